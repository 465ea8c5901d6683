// Command abyssd is the combined daemon: it opens the persistent store,
// wires the identity/session/authorization services, and runs the proxy
// listener and admin control socket side by side until signaled to stop.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"

	"github.com/rootacite/abyss/internal/adminsocket"
	"github.com/rootacite/abyss/internal/audit"
	"github.com/rootacite/abyss/internal/authz"
	"github.com/rootacite/abyss/internal/config"
	"github.com/rootacite/abyss/internal/identity"
	"github.com/rootacite/abyss/internal/proxy"
	"github.com/rootacite/abyss/internal/security"
	"github.com/rootacite/abyss/internal/session"

	_ "modernc.org/sqlite"
)

func main() {
	flags := config.ParseFlags()
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("abyssd %s\n", config.Version)
		return
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("[abyssd] config: %v", err)
	}

	db, err := sql.Open("sqlite", cfg.DB.Path)
	if err != nil {
		log.Fatalf("[abyssd] open database: %v", err)
	}
	defer db.Close()
	security.EnsureSecurePermissions(cfg.DB.Path)

	if err := config.OverlayDB(db, flags); err != nil {
		log.Printf("[abyssd] warning: config overlay: %v", err)
	}
	cfg = config.Get()

	if err := audit.Init(db); err != nil {
		log.Fatalf("[abyssd] init audit log: %v", err)
	}

	users, err := identity.Open(db)
	if err != nil {
		log.Fatalf("[abyssd] open identity store: %v", err)
	}

	engine, err := authz.Open(db, users, cfg.Media.MediaRoot, cfg.Media.DebugMode)
	if err != nil {
		log.Fatalf("[abyssd] open authorization engine: %v", err)
	}

	sessions := session.New(users, cfg.Media.DebugMode)
	defer sessions.Close()

	if empty, _ := users.IsEmpty(); empty {
		log.Printf("[abyssd] no users yet, run `abyssctl init` against %s to bootstrap root", cfg.Media.AdminSocket)
	}

	proxySrv := proxy.NewServer(sessions, proxy.ParseAllowedPorts(cfg.Media.AllowedPorts))
	adminSrv := adminsocket.NewServer(cfg.Media.AdminSocket, adminsocket.NewDeps(users, sessions, engine))
	httpSrv := &http.Server{
		Addr:         cfg.Media.HTTPAddr,
		Handler:      healthHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 3)
	go func() {
		log.Printf("[abyssd] proxy listening on :%d", proxy.DefaultPort)
		errc <- proxySrv.ListenAndServe()
	}()
	go func() {
		log.Printf("[abyssd] admin socket listening on %s", cfg.Media.AdminSocket)
		errc <- adminSrv.ListenAndServe()
	}()
	go func() {
		if cfg.Media.TLSDomain != "" {
			log.Printf("[abyssd] http front-end serving automatic HTTPS for %s", cfg.Media.TLSDomain)
			if err := certmagic.HTTPS([]string{cfg.Media.TLSDomain}, healthHandler()); err != nil {
				errc <- err
				return
			}
			errc <- nil
			return
		}
		log.Printf("[abyssd] http front-end listening on %s", cfg.Media.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("[abyssd] shutting down")
	case err := <-errc:
		if err != nil {
			log.Printf("[abyssd] a front-end exited: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	proxySrv.Close()
	adminSrv.Close()
}

// healthHandler is the thin HTTP front-end stub: no REST routing, MIME
// sniffing, or status mapping, just a liveness probe that proves the
// process is running. It does not check the database.
func healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}
