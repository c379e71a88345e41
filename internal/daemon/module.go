// Package daemon composes the emailappd process with fx.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/TDXCORE/EmailApp/internal/api"
	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/campaign"
	"github.com/TDXCORE/EmailApp/internal/config"
	"github.com/TDXCORE/EmailApp/internal/inbox"
	"github.com/TDXCORE/EmailApp/internal/instance"
	"github.com/TDXCORE/EmailApp/internal/lock"
	"github.com/TDXCORE/EmailApp/internal/logging"
	"github.com/TDXCORE/EmailApp/internal/mailer"
	"github.com/TDXCORE/EmailApp/internal/marks"
	"github.com/TDXCORE/EmailApp/internal/media"
	"github.com/TDXCORE/EmailApp/internal/outbox"
	"github.com/TDXCORE/EmailApp/internal/status"
	"github.com/TDXCORE/EmailApp/internal/store"
	intsync "github.com/TDXCORE/EmailApp/internal/sync"
	"github.com/TDXCORE/EmailApp/internal/unsubscribe"
	"github.com/TDXCORE/EmailApp/internal/whatsapp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// dialTimeout bounds the startup probes of optional backends.
const dialTimeout = 5 * time.Second

// Params holds the resolved instance passed to the fx module.
type Params struct {
	Instance   string
	SocketPath string // optional override for testing; empty = use default
	// Config, when set, is used instead of reading config.toml.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideDegradation,
			provideLock,
			provideStore,
			provideMarks,
			provideMedia,
			provideWhatsApp,
			provideSyncEngine,
			provideSender,
			provideInbox,
			provideTransport,
			provideDispatcher,
			provideUnsubscribe,
			provideRouter,
			provideHTTPServer,
			provideControl,
		),
		fx.Invoke(registerLifecycle),
	)
}

// degradation collects optional backends that fell back at startup.
type degradation struct {
	mu      sync.Mutex
	reasons []string
}

func (d *degradation) add(reason string) {
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}

func (d *degradation) reason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.reasons, "; ")
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		path := instance.ConfigPath(p.Instance)
		if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
			if cfg, err = config.Default(); err == nil {
				err = cfg.Validate()
			}
		} else {
			cfg, err = config.Load(path)
		}
		if err != nil {
			return nil, err
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = instance.DBPath(p.Instance)
	}
	if cfg.Media.Dir == "" {
		cfg.Media.Dir = instance.MediaDir(p.Instance)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(instance.LogPath(p.Instance), p.Instance, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideDegradation() *degradation {
	return &degradation{}
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.Dir(p.Instance), cfg.Listen.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so that no second daemon migrates the
// same database.
func provideStore(cfg *config.Config, _ *lock.Lock, b *bus.Bus, m *status.Machine, logger *zap.Logger) (*store.DB, error) {
	_ = m.Transition(status.Migrating)
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		_ = m.TransitionWithReason(status.Error, err.Error())
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = m.TransitionWithReason(status.Error, err.Error())
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.Database.Path))
	_ = m.Transition(status.Starting)
	return db.WithFeed(b), nil
}

func provideMarks(lc fx.Lifecycle, cfg *config.Config, db *store.DB, deg *degradation, logger *zap.Logger) inbox.MarkStore {
	if cfg.Marks.Backend != config.MarksRedis {
		return marks.NewSQLite(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	r, err := marks.DialRedis(ctx, marks.RedisOptions{
		Addr:     cfg.Marks.RedisAddr,
		Password: cfg.Marks.RedisPassword,
		DB:       cfg.Marks.RedisDB,
		Prefix:   cfg.Marks.Prefix,
	})
	if err != nil {
		logger.Warn("redis unavailable, keeping read marks in sqlite", zap.String("addr", cfg.Marks.RedisAddr), zap.Error(err))
		deg.add("marks: redis unavailable")
		return marks.NewSQLite(db)
	}
	lc.Append(fx.StopHook(r.Close))
	logger.Info("read marks in redis", zap.String("addr", cfg.Marks.RedisAddr))
	return r
}

func provideMedia(lc fx.Lifecycle, cfg *config.Config, deg *degradation, logger *zap.Logger) (media.Storage, error) {
	publicBase := strings.TrimRight(cfg.PublicURL, "/") + "/media"
	if cfg.Media.Backend == config.MediaGridFS {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		g, err := media.DialGridFS(ctx, media.MongoOptions{
			URI:      cfg.Media.MongoURI,
			Database: cfg.Media.Database,
			Bucket:   cfg.Media.Bucket,
		}, publicBase)
		if err == nil {
			lc.Append(fx.StopHook(g.Close))
			logger.Info("media in gridfs", zap.String("database", cfg.Media.Database), zap.String("bucket", cfg.Media.Bucket))
			return g, nil
		}
		logger.Warn("gridfs unavailable, storing media on disk", zap.Error(err))
		deg.add("media: gridfs unavailable")
	}
	fsStore, err := media.NewFS(cfg.Media.Dir, publicBase)
	if err != nil {
		return nil, err
	}
	return fsStore, nil
}

// provideWhatsApp returns nil when the channel is disabled.
func provideWhatsApp(cfg *config.Config, logger *zap.Logger) *whatsapp.Client {
	if !cfg.WhatsApp.Enabled {
		logger.Info("whatsapp disabled")
		return nil
	}
	return whatsapp.NewClient(whatsapp.Options{
		BaseURL:       cfg.WhatsApp.BaseURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		AccessToken:   cfg.WhatsApp.AccessToken,
	}, logger.Named("whatsapp"))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, wa *whatsapp.Client, storage media.Storage, logger *zap.Logger) *intsync.Engine {
	var fetcher intsync.MediaFetcher
	if wa != nil {
		fetcher = wa
	}
	return intsync.NewEngine(db, b, fetcher, storage, logger.Named("sync"))
}

func provideSender(db *store.DB, wa *whatsapp.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	if wa == nil {
		return nil
	}
	return outbox.NewSender(db, wa, b, wa.PhoneNumberID(), logger.Named("outbox"))
}

func ownAddresses(cfg *config.Config) inbox.Addresses {
	var own inbox.Addresses
	for _, n := range []string{cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.DisplayNumber} {
		if n != "" {
			own = append(own, n)
		}
	}
	return own
}

func provideInbox(cfg *config.Config, db *store.DB, b *bus.Bus, ms inbox.MarkStore, logger *zap.Logger) *inbox.Manager {
	if !cfg.WhatsApp.Enabled {
		return nil
	}
	own := ownAddresses(cfg)
	log := logger.Named("inbox")
	return inbox.NewManager(b, inbox.NewStoreSource(db, own, log), ms, own, log)
}

func provideTransport(cfg *config.Config, logger *zap.Logger) (mailer.Transport, error) {
	if cfg.Email.Backend != config.EmailSES {
		logger.Warn("email backend is log: campaign emails are not delivered")
		return mailer.NewLog(logger.Named("mailer")), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	ses, err := mailer.NewSES(ctx, mailer.SESOptions{
		Region:          cfg.Email.Region,
		AccessKeyID:     cfg.Email.AccessKeyID,
		SecretAccessKey: cfg.Email.SecretAccessKey,
		Endpoint:        cfg.Email.Endpoint,
		Pace:            time.Duration(cfg.Email.PaceMillis) * time.Millisecond,
	}, logger.Named("mailer"))
	if err != nil {
		return nil, fmt.Errorf("ses: %w", err)
	}
	return ses, nil
}

func provideDispatcher(cfg *config.Config, db *store.DB, t mailer.Transport, b *bus.Bus, logger *zap.Logger) *campaign.Dispatcher {
	from := mailer.Sender{Email: cfg.Email.FromEmail, Name: cfg.Email.FromName}
	return campaign.NewDispatcher(db, t, b, from, cfg.PublicURL, logger.Named("campaign"))
}

func provideUnsubscribe(db *store.DB, b *bus.Bus, logger *zap.Logger) *unsubscribe.Service {
	return unsubscribe.NewService(db, b, logger.Named("unsubscribe"))
}

type routerParams struct {
	fx.In

	Config      *config.Config
	DB          *store.DB
	Bus         *bus.Bus
	Dispatcher  *campaign.Dispatcher
	Unsubscribe *unsubscribe.Service
	Inbox       *inbox.Manager
	Outbox      *outbox.Sender
	Media       media.Storage
	Status      *status.Machine
	Logger      *zap.Logger
}

func provideRouter(p routerParams) http.Handler {
	keys := api.Keyring{}
	for _, op := range p.Config.Operators {
		keys[op.APIKey] = op.ID
	}
	if len(keys) == 0 {
		p.Logger.Warn("no operators configured: the console API rejects every request")
	}
	return api.NewRouter(api.Deps{
		DB:          p.DB,
		Bus:         p.Bus,
		Auth:        keys,
		Dispatcher:  p.Dispatcher,
		Unsubscribe: p.Unsubscribe,
		Inbox:       p.Inbox,
		Outbox:      p.Outbox,
		Media:       p.Media,
		Own:         ownAddresses(p.Config),
		Status:      p.Status,
		Webhook:     api.WebhookConfig{VerifyToken: p.Config.WhatsApp.VerifyToken, AppSecret: p.Config.WhatsApp.AppSecret},
		Logger:      p.Logger,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler, logger *zap.Logger) (*api.Server, error) {
	srv, err := api.NewServer(cfg.Listen.Addr, h, logger)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen.Addr, err)
	}
	return srv, nil
}

func provideControl(p Params, cfg *config.Config, logger *zap.Logger) (*Control, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = instance.SocketPath(p.Instance)
	}
	c, err := NewControl(socketPath, logger.Named("control"))
	if err != nil {
		return nil, err
	}
	c.Register(ServiceHTTP, true)
	c.Register(ServiceInbox, cfg.WhatsApp.Enabled)
	c.Register(ServiceEmail, true)
	return c, nil
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	HTTP      *api.Server
	Control   *Control
	Lock      *lock.Lock
	DB        *store.DB
	Engine    *intsync.Engine
	Sender    *outbox.Sender
	Inbox     *inbox.Manager
	Machine   *status.Machine
	Bus       *bus.Bus
	Degraded  *degradation
	Logger    *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	logger := p.Logger
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			p.Control.Track(p.Machine, p.Bus)
			go func() {
				if err := p.Control.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Start sync engine (subscribes to wa.* bus events).
			p.Engine.Start(context.Background())
			if p.Sender != nil {
				p.Sender.Start(context.Background())
			}
			p.HTTP.Start()

			if reason := p.Degraded.reason(); reason != "" {
				_ = p.Machine.TransitionWithReason(status.Degraded, reason)
				logger.Warn("daemon degraded", zap.String("reason", reason))
			} else {
				_ = p.Machine.Transition(status.Ready)
			}
			logger.Info("daemon ready", zap.String("addr", p.HTTP.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = p.Machine.Transition(status.Stopping)
			if err := p.HTTP.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if p.Inbox != nil {
				p.Inbox.Stop()
			}
			if p.Sender != nil {
				p.Sender.Stop()
			}
			p.Engine.Stop()
			p.Control.Stop(ctx)
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
