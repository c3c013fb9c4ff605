package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	appnegotiation "gigdeal/internal/app/negotiation"
	"gigdeal/internal/app/readreceipt"
	"gigdeal/internal/app/retry"
	"gigdeal/internal/domain/negotiation"
	"gigdeal/internal/infra/chatapi"
	"gigdeal/internal/infra/config"
	"gigdeal/internal/infra/obs"
	"gigdeal/internal/infra/push"
)

func main() {
	var (
		conversation = flag.String("conversation", "", "conversation id to negotiate")
		roleFlag     = flag.String("role", "", "local role: host or artist")
		party        = flag.String("party", "", "party id used to request a dev token when CHAT_TOKEN is unset")
	)
	flag.Parse()

	if err := run(*conversation, *roleFlag, *party); err != nil {
		fmt.Fprintln(os.Stderr, "negotiate:", err)
		os.Exit(1)
	}
}

func run(conversationID, roleFlag, party string) error {
	if conversationID == "" {
		return errors.New("-conversation is required")
	}
	role, err := negotiation.ParseRole(roleFlag)
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(""); err != nil {
		return err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logOut := io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, logOut)

	var tokens chatapi.TokenSource
	switch {
	case cfg.Token != "":
		tokens = chatapi.StaticToken(cfg.Token)
	case party != "":
		tokens = &chatapi.DevTokenSource{BaseURL: cfg.APIURL, PartyID: party}
	default:
		return errors.New("set CHAT_TOKEN or pass -party")
	}

	client, err := chatapi.NewClient(chatapi.Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.Timeout,
		Retry:   cfg.Retry,
		Tokens:  tokens,
	}, logger)
	if err != nil {
		return err
	}
	channel, err := push.NewChannel(push.Config{
		URL:    cfg.PushURL,
		Tokens: tokens,
		Reconnect: retry.Policy{
			BaseDelay: cfg.Retry.BaseDelay,
			Backoff:   retry.Exponential,
			MaxDelay:  cfg.PushReconnectMax,
		},
	}, logger)
	if err != nil {
		return err
	}
	transport := chatapi.Transport{Client: client, Channel: channel}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tea.Msg, 64)
	ctrl, err := appnegotiation.NewController(appnegotiation.Config{
		ConversationID: negotiation.ConversationID(conversationID),
		LocalRole:      role,
		Transport:      transport,
		Updates:        transport,
		Listener:       channelListener{out: events, done: ctx.Done()},
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// Snapshots may have been missed while disconnected.
	channel.OnReconnect(func() {
		switch ctrl.State() {
		case appnegotiation.StateUninitialized, appnegotiation.StateLoading:
			return
		}
		if err := ctrl.Refresh(ctx); err != nil {
			logger.Warn("refresh after reconnect failed", "error", err)
		}
	})

	reads := &readreceipt.Synchronizer{
		ConversationID: ctrl.ID(),
		Receipts:       client,
		Conversation:   ctrl,
		Logger:         logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := channel.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		program := tea.NewProgram(newModel(gctx, ctrl, reads, events), tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(gctx))
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	logger.Info("negotiation client started", "conversation_id", conversationID, "role", role)
	return g.Wait()
}

var _ negotiator = (*appnegotiation.Controller)(nil)
