// Package server composes the runtime: persistence, storage, registry,
// dispatchers, the Discord bridge and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smturtle2/easierlit-sub000/internal/app"
	"github.com/smturtle2/easierlit-sub000/internal/client"
	"github.com/smturtle2/easierlit-sub000/internal/config"
	"github.com/smturtle2/easierlit-sub000/internal/discord"
	"github.com/smturtle2/easierlit-sub000/internal/runtime"
	"github.com/smturtle2/easierlit-sub000/internal/storage"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

// stopTimeout bounds worker drain on shutdown.
const stopTimeout = 30 * time.Second

// Opts configures New.
type Opts struct {
	Config *config.Config
	Client *client.Client
	// Hub connects the websocket UI layer when one is mounted.
	Hub runtime.SessionHub
}

// Server owns the composed runtime and its lifecycle.
type Server struct {
	cfg     *config.Config
	client  *client.Client
	reg     *runtime.Registry
	app     *app.App
	store   store.Store
	storage *storage.LocalStorage
	bridge  *discord.Bridge
	httpSrv *http.Server

	crashOnce sync.Once
}

// New composes a Server from configuration. The data layer is skipped
// when persistence is disabled or delegated to an external backend.
func New(opts Opts) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("server: client is required")
	}
	cfg := opts.Config

	var st store.Store
	var fs *storage.LocalStorage
	if cfg.Persistence.Enabled && !config.ExternalDataLayer() {
		var err error
		st, err = store.Open(cfg.Persistence.SQLitePath)
		if err != nil {
			return nil, err
		}
		fs, err = storage.NewLocal(storage.Opts{BaseDir: cfg.Persistence.LocalStorageDir})
		if err != nil {
			return nil, err
		}
	} else if dsn := config.ExternalDatabaseURL(); dsn != "" {
		var err error
		st, err = store.OpenDatabaseURL(dsn)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Auth != nil {
		secretPath := filepath.Join(filepath.Dir(cfg.Persistence.SQLitePath), "jwt_secret")
		if _, err := config.EnsureJWTSecret(secretPath); err != nil {
			return nil, err
		}
	}

	reg := runtime.New(runtime.Opts{
		Auth:    cfg.Auth,
		Store:   st,
		Storage: fs,
		Hub:     opts.Hub,
	})
	a, err := app.New(app.Opts{Registry: reg})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		client:  opts.Client,
		reg:     reg,
		app:     a,
		store:   st,
		storage: fs,
	}
	if cfg.Discord.Enabled {
		bridge, err := discord.New(discord.Opts{
			BotToken: cfg.Discord.BotToken,
			Registry: reg,
			App:      a,
		})
		if err != nil {
			return nil, err
		}
		s.bridge = bridge
	}
	return s, nil
}

// App returns the worker-facing app.
func (s *Server) App() *app.App { return s.app }

// Registry returns the composed runtime registry.
func (s *Server) Registry() *runtime.Registry { return s.reg }

// Run starts everything and blocks until ctx is cancelled or a worker
// crash forces shutdown.
func (s *Server) Run(ctx context.Context) error {
	// A worker crash closes the app, then asks the process to exit the
	// way an operator would: SIGINT first, SIGTERM if that is ignored.
	s.client.SetWorkerCrashHandler(func(err error) {
		s.crashOnce.Do(func() {
			log.Printf("server: worker crash, shutting down: %v", err)
			p, findErr := os.FindProcess(os.Getpid())
			if findErr != nil {
				return
			}
			p.Signal(syscall.SIGINT)
			go func() {
				time.Sleep(10 * time.Second)
				p.Signal(syscall.SIGTERM)
			}()
		})
	})

	if err := s.reg.StartDispatcher(s.app.Outgoing(), s.cfg.Workers.OutgoingLanes); err != nil {
		return err
	}
	if err := s.client.Run(s.app); err != nil {
		return err
	}
	if s.bridge != nil {
		if err := s.bridge.Start(ctx); err != nil {
			return err
		}
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.buildRouter(),
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()
	log.Printf("server: listening on %s", s.httpSrv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Printf("server: received %v", sig)
	case err := <-httpErr:
		s.shutdown()
		return fmt.Errorf("server: http: %w", err)
	}

	s.shutdown()
	return s.client.PeekWorkerError()
}

// shutdown tears components down in dependency order: stop intake,
// drain workers, drain the outgoing queue, then release resources.
func (s *Server) shutdown() {
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			log.Printf("server: stop bridge: %v", err)
		}
	}
	if err := s.client.Stop(stopTimeout); err != nil && err != client.ErrStopTimeout {
		log.Printf("server: stop workers: %v", err)
	} else if err == client.ErrStopTimeout {
		log.Printf("server: workers did not drain in %v", stopTimeout)
	}
	s.app.Close()
	s.reg.StopDispatcher()

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("server: close store: %v", err)
		}
	}
}

// buildRouter serves the stored element files and a health probe.
func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	root := storage.RootPath()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.storage != nil {
		router.GET(root+"/public/easierlit/*objectKey", s.serveObject)
	}
	return router
}

// serveObject streams one stored element file. The storage layer's key
// normalization is the traversal guard; anything it rejects is a 400.
func (s *Server) serveObject(c *gin.Context) {
	objectKey := c.Param("objectKey")
	path, err := s.storage.ResolveFilePath(objectKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
		return
	}
	c.File(path)
}
