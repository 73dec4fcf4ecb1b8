package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-testengine/internal/api"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/database"
	"github.com/stemsi/exstem-testengine/internal/guard"
	"github.com/stemsi/exstem-testengine/internal/identity"
	"github.com/stemsi/exstem-testengine/internal/logger"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/recorder"
	"github.com/stemsi/exstem-testengine/internal/service"
	"github.com/stemsi/exstem-testengine/internal/store"
	"github.com/stemsi/exstem-testengine/internal/validator"
	"github.com/stemsi/exstem-testengine/internal/websocket"
	"golang.org/x/term"
)

func main() {
	var resumeID, logPath string
	flag.StringVar(&resumeID, "resume", "", "Resume a checkpointed session by id")
	flag.StringVar(&logPath, "log", "take-test.log", "Log file path")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	validator.Setup()

	// ─── Initialize Logger ─────────────────────────────────────────────
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Println("Error: cannot open log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()
	log := logger.SetupTo(logFile, cfg.LogLevel, "json")

	reader := bufio.NewReader(os.Stdin)

	// ─── Resolve Identity ──────────────────────────────────────────────
	token := cfg.AuthToken
	if token == "" {
		fmt.Print("Enter Auth Token: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading token")
			return
		}
		token = strings.TrimSpace(string(raw))
	}
	ident, err := identity.FromToken(token, cfg.JWTSecret)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect ───────────────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		fmt.Println("Error: Redis is unavailable:", err)
		return
	}
	defer rdb.Close()

	sockets := websocket.NewManager(websocket.Options{
		URL:         cfg.SocketURL,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     cfg.ReconnectBackoff,
	}, log)
	defer sockets.Close()

	channel, err := sockets.Connect(ctx, ident)
	if err != nil {
		fmt.Println("Error: cannot reach the grading service:", err)
		return
	}

	// q is refused while a session is running; exit goes through the engine.
	exitGuard := guard.New(log, 'q')
	svc := service.NewSessionService(ident,
		api.NewClient(cfg.APIBaseURL, ident.Token, cfg.RequestTimeout, log),
		channel,
		recorder.NewRedisRecorder(rdb, cfg.CheckpointTTL, log),
		store.NewCheckpointStore(rdb, cfg.CheckpointTTL),
		exitGuard,
		service.Options{
			TickInterval:   cfg.TickInterval,
			RequestTimeout: cfg.RequestTimeout,
			GradingGrace:   cfg.GradingGrace,
			AutoAdvance:    cfg.AutoAdvance,
		}, log)

	// ─── Begin Session ─────────────────────────────────────────────────
	if resumeID != "" {
		id, err := uuid.Parse(resumeID)
		if err != nil {
			fmt.Println("Error: invalid session id")
			return
		}
		if err := svc.Resume(ctx, id); err != nil {
			fmt.Println("Error:", err)
			return
		}
	} else {
		req, err := promptStart(reader)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		if _, err := svc.Start(ctx, req); err != nil {
			fmt.Println("Error:", err)
			return
		}
	}

	// ─── Interactive Loop ──────────────────────────────────────────────
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Println("Error: terminal does not support raw mode:", err)
		return
	}
	defer term.Restore(fd, state)

	notices := make(chan string, 8)
	exitGuard.OnBlocked(func(what string) {
		select {
		case notices <- blockedNotice(svc.Lifecycle(), what):
		default:
		}
	})
	quit := exitGuard.Watch(ctx)

	keys := make(chan byte)
	go readKeys(keys)

	ui := &terminal{svc: svc, guard: exitGuard}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	notice := ""
	for {
		render(os.Stdout, svc.Snapshot(), notice)
		changed := svc.Changes()

		select {
		case <-quit:
			_ = svc.Exit(context.Background())
			return
		case n := <-notices:
			notice = n
		case b, ok := <-keys:
			if !ok {
				_ = svc.Exit(context.Background())
				return
			}
			var done bool
			notice, done = ui.handleKey(ctx, b)
			if done {
				return
			}
		case <-changed:
		case <-ticker.C:
		}
	}
}

// blockedNotice explains a refused exit. q only leaves an ACTIVE session;
// while grading is pending there is nothing to do but wait.
func blockedNotice(lc model.Lifecycle, what string) string {
	if lc == model.LifecycleSubmitting {
		return fmt.Sprintf("Exit blocked (%s). Answers are being graded, please wait.", what)
	}
	return fmt.Sprintf("Exit blocked (%s). Submit, or press q to leave and resume later.", what)
}

func readKeys(out chan<- byte) {
	defer close(out)
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return
		}
		out <- buf[0]
	}
}

type terminal struct {
	svc   *service.SessionService
	guard *guard.Guard
}

// handleKey applies one key press. It returns a notice for the status line
// and whether the program should end.
func (t *terminal) handleKey(ctx context.Context, b byte) (string, bool) {
	if b == 'q' && t.svc.Lifecycle() == model.LifecycleActive {
		// Leaving an active session keeps its checkpoint.
		id := t.svc.Snapshot().SessionID
		_ = t.svc.Exit(ctx)
		fmt.Printf("\r\nSession saved. Resume with -resume %s\r\n", id)
		return "", true
	}
	if !t.guard.AllowKey(b) {
		return "", false
	}

	snap := t.svc.Snapshot()
	var err error
	switch {
	case b == 'q' || b == 3:
		_ = t.svc.Exit(ctx)
		return "", true
	case b == 'n':
		err = t.svc.Next()
	case b == 'p':
		err = t.svc.Previous()
	case b == 'c' && snap.Current != nil:
		err = t.svc.Confirm(snap.Current.ID)
	case b == 'l' && snap.Current != nil:
		err = t.svc.SaveForLater(snap.Current.ID)
	case b == 's':
		err = t.svc.Submit(ctx)
	case b >= '1' && b <= '9' && snap.Current != nil:
		err = t.svc.Select(snap.Current.ID, int(b-'1'))
	default:
		return "", false
	}
	if err != nil {
		return err.Error(), false
	}
	return "", false
}

func promptStart(reader *bufio.Reader) (model.StartRequest, error) {
	fmt.Println("=== Start a Test ===")

	fmt.Print("Category (blank for any): ")
	category, _ := reader.ReadString('\n')

	count, err := promptInt(reader, "Number of questions", 10)
	if err != nil {
		return model.StartRequest{}, err
	}
	minutes, err := promptInt(reader, "Time limit in minutes", 15)
	if err != nil {
		return model.StartRequest{}, err
	}

	fmt.Print("Negative marking? [y/N]: ")
	neg, _ := reader.ReadString('\n')

	req := model.StartRequest{
		Category:         strings.TrimSpace(category),
		QuestionCount:    count,
		TimeLimitMinutes: minutes,
		NegativeMarking:  strings.EqualFold(strings.TrimSpace(neg), "y"),
		Kind:             model.FlowStandalone,
	}
	if err := validator.Request(req); err != nil {
		return model.StartRequest{}, errors.New(firstField(validator.TranslateErrors(err)))
	}
	return req, nil
}

func promptInt(reader *bufio.Reader, label string, def int) (int, error) {
	fmt.Printf("%s (default %d): ", label, def)
	raw, _ := reader.ReadString('\n')
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", strings.ToLower(label))
	}
	return n, nil
}

func firstField(fields map[string]string) string {
	for _, msg := range fields {
		return msg
	}
	return "invalid input"
}
