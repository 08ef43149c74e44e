// Command jamsession-demo is a thin smoke-test harness wiring SessionFacade
// to a real server address from the command line. It is not a product
// surface -- the teacher's desktop client wires its App to Wails; this
// wires the same facade shape to a flag-parsed CLI loop instead, since UI
// rendering is out of scope for the engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"jamsession/internal/audio"
	"jamsession/internal/protocol"
	"jamsession/internal/recovery"
	"jamsession/internal/transport"
	"jamsession/session"
)

// demoEngine satisfies audio.InstrumentEngine with logging no-ops, standing
// in for the real synthesis engine a UI process would inject.
type demoEngine struct{ log *slog.Logger }

func newDemoEngine(log *slog.Logger) *demoEngine { return &demoEngine{log: log} }

func (e *demoEngine) EnsureMixerChannel(userID string) {
	e.log.Debug("demo engine: ensure mixer channel", "userId", userID)
}

func (e *demoEngine) ContextState(ctx context.Context) (audio.ContextState, error) {
	return audio.ContextRunning, nil
}

func (e *demoEngine) ResumeContext(ctx context.Context) error { return nil }

func (e *demoEngine) Preload(ctx context.Context, reqs []audio.PreloadRequest) error {
	for _, r := range reqs {
		e.log.Debug("demo engine: preload", "userId", r.UserID, "instrument", r.Instrument)
	}
	return nil
}

func (e *demoEngine) CleanupRemoteUser(userID string) error {
	e.log.Debug("demo engine: cleanup remote user", "userId", userID)
	return nil
}

func (e *demoEngine) ApplyEffectChain(ctx context.Context, userID string, chains []audio.EffectChain) error {
	return nil
}

func main() {
	addr := flag.String("addr", "http://localhost:3001", "backend socket origin")
	room := flag.String("room", "", "roomId to request to join (goes through approval)")
	username := flag.String("username", "demo", "display username")
	role := flag.String("role", string(protocol.RoleBandMember), "band_member or audience")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	engine := newDemoEngine(log)
	facade := session.New(*addr, engine, session.WithLogger(log), session.WithCallbacks(session.Callbacks{
		OnStateChange: func(from, to transport.ConnectionState) {
			log.Info("state change", "from", from, "to", to)
		},
		OnUserFeedback: func(message string, severity recovery.Severity) {
			fmt.Printf("[%s] %s\n", severity, message)
		},
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	userID := uuid.NewString()
	if *room == "" {
		if err := facade.ConnectToLobby(ctx); err != nil {
			log.Error("connect to lobby failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("connected to lobby; pass -room to join a room")
	} else {
		if err := facade.RequestJoinRoom(ctx, *room, *username, userID, protocol.Role(*role)); err != nil {
			log.Error("join request failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("requesting to join room %s as %s\n", *room, *username)
	}

	<-ctx.Done()
	facade.Disconnect()
}
