package config

type WorkerKeyStruct struct {
	PersistAttemptsQueue string
	// InflightAttemptsQueue holds items taken by a worker until they are acknowledged.
	InflightAttemptsQueue string
	DeadAttemptsQueue     string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAttemptsQueue:  "persist_attempts_queue",
	InflightAttemptsQueue: "persist_attempts_inflight",
	DeadAttemptsQueue:     "dead_attempts_queue",
}
