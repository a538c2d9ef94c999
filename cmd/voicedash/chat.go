package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voice-orchestrator/pkg/client"
	"github.com/vango-go/voice-orchestrator/pkg/convai"
	"github.com/vango-go/voice-orchestrator/pkg/core/live"
)

type chatOptions struct {
	server       string
	username     string
	wsBase       string
	replyTimeout time.Duration
}

func newChatCmd(a *app) *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Sign in to a running backend and talk to the text agent from the terminal",
		Long: "chat signs in, loads the account's agent settings and runs a text session.\n" +
			"Lines starting with /webhook are sent to the automation webhook; /quit exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), a, opts)
		},
	}
	server := os.Getenv("VOICEDASH_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", server, "backend base URL")
	f.StringVarP(&opts.username, "username", "u", "", "account to sign in as")
	f.StringVar(&opts.wsBase, "ws-base", convai.DefaultWSBase, "public conversation websocket endpoint")
	f.DurationVar(&opts.replyTimeout, "reply-timeout", 60*time.Second, "how long to wait for an agent reply")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// transcriptPrinter writes entries the user did not type, in order, once each.
type transcriptPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed int
	idle    chan struct{}
}

func newTranscriptPrinter(w io.Writer) *transcriptPrinter {
	return &transcriptPrinter{w: w, idle: make(chan struct{}, 1)}
}

func (p *transcriptPrinter) update(s live.Snapshot) {
	p.mu.Lock()
	for _, e := range s.Transcript[min(p.printed, len(s.Transcript)):] {
		switch e.Role {
		case live.RoleAssistant:
			fmt.Fprintf(p.w, "agent: %s\n", e.Content)
		case live.RoleSystem:
			fmt.Fprintf(p.w, "system: %s\n", e.Content)
		}
	}
	p.printed = len(s.Transcript)
	p.mu.Unlock()

	if !s.IsProcessing && !s.IsConnecting {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

func (p *transcriptPrinter) println(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// drain discards an idle signal left over from an earlier exchange.
func (p *transcriptPrinter) drain() {
	select {
	case <-p.idle:
	default:
	}
}

func (p *transcriptPrinter) waitIdle(ctx context.Context) error {
	select {
	case <-p.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runChat(ctx context.Context, a *app, opts chatOptions) error {
	password := os.Getenv("VOICEDASH_PASSWORD")
	if password == "" {
		pw, err := a.readSecret("Password: ")
		if err != nil {
			return err
		}
		password = pw
	}

	cl := client.New(opts.server)
	sess, err := cl.Login(ctx, strings.TrimSpace(opts.username), password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	cfg, err := cl.Config(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if cfg.ChatAgentID == "" {
		return errors.New("no chat agent is configured for this account")
	}

	var transport live.Transport
	if a.newTransport != nil {
		transport = a.newTransport(a.logger)
	} else {
		transport = convai.NewClient(convai.ClientConfig{WSBase: opts.wsBase}, a.logger)
	}
	if c, ok := transport.(io.Closer); ok {
		defer c.Close()
	}

	printer := newTranscriptPrinter(a.stdout)
	coord := live.New(live.Config{
		InitialMode:  live.ModeText,
		ReplyTimeout: opts.replyTimeout,
	}, live.Dependencies{
		Transport: transport,
		Signer:    cl.Signer(cfg),
		Logger:    a.logger,
		OnUpdate:  printer.update,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := coord.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if err := coord.SetCredentials(gctx, cfg.Credentials()); err != nil {
			return err
		}
		printer.println("signed in as %s; type a message, /webhook <text>, or /quit", sess.Username)
		err := chatLoop(gctx, a, coord, cl, printer)
		_ = coord.Disconnect(context.WithoutCancel(gctx))
		return err
	})
	return g.Wait()
}

func chatLoop(ctx context.Context, a *app, coord *live.Coordinator, cl *client.Client, printer *transcriptPrinter) error {
	in := a.lines()
	for {
		line, err := in.ReadString('\n')
		text := strings.TrimSpace(line)
		switch {
		case text == "":
		case text == "/quit":
			return nil
		case strings.HasPrefix(text, "/webhook"):
			msg := strings.TrimSpace(strings.TrimPrefix(text, "/webhook"))
			reply, werr := cl.ForwardWebhook(ctx, msg)
			if werr != nil {
				printer.println("webhook error: %v", werr)
			} else {
				printer.println("webhook: %s", reply)
			}
		default:
			printer.drain()
			if serr := coord.SendTextMessage(ctx, text); serr != nil {
				a.logger.Debug("send failed", "error", serr)
			} else if werr := printer.waitIdle(ctx); werr != nil {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
