package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/Pollexy/internal/api"
	"github.com/BTreeMap/Pollexy/internal/bots"
	"github.com/BTreeMap/Pollexy/internal/confirmation"
	"github.com/BTreeMap/Pollexy/internal/delivery"
	"github.com/BTreeMap/Pollexy/internal/genai"
	"github.com/BTreeMap/Pollexy/internal/lockfile"
	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/scheduler"
	"github.com/BTreeMap/Pollexy/internal/speech"
	"github.com/BTreeMap/Pollexy/internal/store"
	"github.com/BTreeMap/Pollexy/internal/twiliowhatsapp"
	"github.com/BTreeMap/Pollexy/internal/whatsapp"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		addr          string
		requireMotion bool
		enableWA      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the location workers and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.APIAddr = addr
			}
			if cmd.Flags().Changed("require-motion") {
				a.cfg.RequireMotion = requireMotion
			}
			if cmd.Flags().Changed("whatsapp") {
				a.cfg.WhatsAppEnabled = enableWA
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("Bootstrapping Pollexy", "state_dir", a.cfg.StateDir, "api_addr", a.cfg.APIAddr, "memory_store", a.cfg.MemoryStore)
			d, err := a.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.run(ctx); err != nil {
				return err
			}
			slog.Info("Pollexy exited successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides POLLEXY_API_ADDR)")
	cmd.Flags().BoolVar(&requireMotion, "require-motion", false, "only deliver where motion was detected recently")
	cmd.Flags().BoolVar(&enableWA, "whatsapp", false, "connect a WhatsApp account for whatsapp locations")
	return cmd
}

// daemon is everything serve runs, wired together.
type daemon struct {
	*components
	lock     *lockfile.Lock
	channels *speech.Router
	broker   *confirmation.Broker
	bots     *bots.Registry
	pool     *delivery.Pool
	runner   *scheduler.Runner
	api      *api.Server
	wa       *whatsapp.Client
	replies  *whatsapp.ReplyRouter
}

// bootstrap wires the daemon. Workers are bound to ctx.
func (a *app) bootstrap(ctx context.Context) (d *daemon, err error) {
	d = &daemon{}
	defer func() {
		if err != nil {
			d.close()
			d = nil
		}
	}()

	if !a.cfg.MemoryStore {
		if d.lock, err = lockfile.AcquireLock(a.cfg.StateDir); err != nil {
			return d, err
		}
	}
	st, err := store.Open(a.cfg.StoreDSN())
	if err != nil {
		return d, err
	}
	if d.components, err = a.buildComponents(st); err != nil {
		st.Close()
		return d, err
	}

	d.broker = confirmation.NewBroker()
	d.bots, err = a.buildBots()
	if err != nil {
		return d, err
	}
	if err := a.buildChannels(ctx, d); err != nil {
		return d, err
	}

	workflow := confirmation.NewWorkflow(d.broker,
		confirmation.WithRetryBudget(a.cfg.ConfirmRetries),
		confirmation.WithResponseTimeout(a.cfg.ConfirmTimeout))
	d.pool, err = delivery.NewPool(ctx, delivery.Config{
		Queue:         st,
		Directory:     st,
		Outcomes:      d.engine,
		Channels:      d.channels,
		Confirmer:     workflow,
		Bots:          d.bots,
		Presence:      delivery.StorePresence{Locations: st, MaxAge: a.cfg.MotionMaxAge},
		RequireMotion: a.cfg.RequireMotion,
		PollInterval:  a.cfg.PollInterval,
	})
	if err != nil {
		return d, err
	}

	if d.runner, err = scheduler.NewRunner(d.engine, a.cfg.CycleSpec); err != nil {
		return d, err
	}

	d.api, err = api.NewServer(api.Config{
		Scheduler: d.engine,
		People:    st,
		Locations: st,
		Resolver:  d.resolver,
		Replies:   d.broker,
		Hooks: api.Hooks{
			LocationUpserted: func(l *models.Location) { d.pool.Ensure(l.Name) },
			LocationDeleted:  d.pool.Remove,
			PeopleChanged:    d.refreshReplies,
		},
	}, api.WithAddr(a.cfg.APIAddr))
	if err != nil {
		return d, err
	}
	return d, nil
}

// buildBots uses the chat model for every bot when an OpenAI key is configured.
// "static" always names the scripted agent.
func (a *app) buildBots() (*bots.Registry, error) {
	if a.cfg.OpenAIKey == "" {
		slog.Debug("OpenAI key not set; bots speak their scripted lines only")
		return bots.NewRegistry(bots.StaticAgent{}), nil
	}
	opts := []genai.Option{genai.WithAPIKey(a.cfg.OpenAIKey)}
	if a.cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(a.cfg.OpenAIModel))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	reg := bots.NewRegistry(bots.NewOpenAIAgent(client, ""))
	reg.Register("static", bots.StaticAgent{})
	return reg, nil
}

// buildChannels registers a speech channel for every channel kind that is configured.
func (a *app) buildChannels(ctx context.Context, d *daemon) error {
	d.channels = speech.NewRouter()
	d.channels.Register(models.ChannelSpeaker, speech.NewLogSpeaker(speech.WithChime(a.cfg.Chime)))

	if a.cfg.TwilioEnabled() {
		opts := []speech.TwilioOption{
			speech.WithAccountSID(a.cfg.TwilioAccountSID),
			speech.WithAuthToken(a.cfg.TwilioAuthToken),
			speech.WithFromNumber(a.cfg.TwilioFromNumber),
		}
		if a.cfg.TwilioChimeURL != "" {
			opts = append(opts, speech.WithChimeURL(a.cfg.TwilioChimeURL))
		}
		voice, err := speech.NewTwilioVoice(opts...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio voice channel: %w", err)
		}
		d.channels.Register(models.ChannelVoiceCall, voice)
	} else {
		slog.Debug("Twilio credentials not set; voice_call locations cannot deliver")
	}

	if !a.cfg.WhatsAppEnabled {
		if a.cfg.TwilioWhatsAppEnabled() {
			tw, err := twiliowhatsapp.NewClient(
				twiliowhatsapp.WithAccountSID(a.cfg.TwilioAccountSID),
				twiliowhatsapp.WithAuthToken(a.cfg.TwilioAuthToken),
				twiliowhatsapp.WithFromWhats(a.cfg.TwilioWhatsAppFrom))
			if err != nil {
				return fmt.Errorf("failed to create Twilio WhatsApp client: %w", err)
			}
			d.channels.Register(models.ChannelWhatsApp, whatsapp.NewChannel(tw))
			slog.Info("WhatsApp locations deliver through Twilio")
		}
		return nil
	}
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(a.cfg.WhatsAppDSN)}
	if a.cfg.WhatsAppQRPath != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(a.cfg.WhatsAppQRPath))
	}
	wa, err := whatsapp.NewClient(ctx, waOpts...)
	if err != nil {
		return err
	}
	d.wa = wa
	d.channels.Register(models.ChannelWhatsApp, whatsapp.NewChannel(wa))
	d.replies = whatsapp.NewReplyRouter(d.store, d.broker)
	d.refreshReplies(ctx)
	wa.OnText(func(from, text string) { d.replies.HandleText(from, text) })
	return nil
}

func (d *daemon) refreshReplies(ctx context.Context) {
	if d.replies == nil {
		return
	}
	if err := d.replies.Refresh(ctx); err != nil {
		slog.Warn("daemon: failed to refresh WhatsApp reply routes", "error", err)
	}
}

// run starts the workers and the cycle runner and serves the API until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	locations, err := d.store.ListLocations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list locations: %w", err)
	}
	d.pool.EnsureAll(locations)
	d.runner.Start()
	defer d.runner.Stop()

	// One cycle right away so overdue messages do not wait for the first tick.
	d.runner.Tick()

	err = d.api.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// close releases everything bootstrap acquired. It tolerates a partially built daemon.
func (d *daemon) close() {
	if d.pool != nil {
		d.pool.Stop()
	}
	if d.wa != nil {
		d.wa.Close()
	}
	if d.components != nil {
		if err := d.store.Close(); err != nil {
			slog.Warn("daemon: failed to close store", "error", err)
		}
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			slog.Warn("daemon: failed to release lock", "error", err)
		}
	}
}
