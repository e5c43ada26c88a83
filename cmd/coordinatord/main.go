// Command coordinatord is the backup coordinator daemon: it loads
// configuration, opens the job database and hash index, serves Prometheus
// metrics and a JWT-authenticated admin API, and schedules Coordinator
// runs against registered clients. Its shape (flag parsing, a background
// context cancelled on signal, an errgroup running the HTTP server and its
// shutdown watcher) mirrors a standard Go daemon entrypoint.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/manishalankala/urbackup-coordinator/internal/adminapi"
	"github.com/manishalankala/urbackup-coordinator/internal/dao"
	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
	"github.com/manishalankala/urbackup-coordinator/internal/mailer"
	"github.com/manishalankala/urbackup-coordinator/internal/metrics"
	"github.com/manishalankala/urbackup-coordinator/internal/runner"
	"github.com/manishalankala/urbackup-coordinator/internal/settings"
	"github.com/manishalankala/urbackup-coordinator/internal/syslog"

	// Sets GOMEMLIMIT from the host cgroup before anything else allocates.
	_ "github.com/manishalankala/urbackup-coordinator/internal/memlimit"
)

func main() {
	configPath := flag.String("config", "/etc/urbackup-coordinator/config.toml", "path to the coordinator TOML config")
	dbPath := flag.String("db", "/var/lib/urbackup-coordinator/coordinator.db", "path to the sqlite job database")
	stagingRoot := flag.String("staging", "/var/lib/urbackup-coordinator/staging", "root directory for per-client staging areas")
	clientsPath := flag.String("clients", "/etc/urbackup-coordinator/clients.json", "path to a JSON map of client name to dial address")
	listenAddr := flag.String("listen", ":8443", "admin/metrics HTTP listen address")
	jwtSecretEnv := flag.String("jwt-secret-env", "COORDINATORD_JWT_SECRET", "environment variable holding the admin API JWT signing secret")
	maxConcurrent := flag.Int("max-concurrent", runner.DefaultMaxConcurrent(), "maximum concurrent backup jobs (default derived from host memory)")
	queueSize := flag.Int("queue-size", 64, "job queue buffer size; Enqueue blocks while the queue is full")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := settings.Load(*configPath)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to load settings").Write()
		os.Exit(1)
	}
	cur := provider.Current()

	sqliteDAO, err := dao.Open(*dbPath)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to open job database").Write()
		os.Exit(1)
	}
	defer sqliteDAO.Close()

	index, err := hashindex.Open(*stagingRoot+"/.hashindex", hashindex.Options{MaxHardlinks: cur.MaxHardlinks})
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to open hash index").Write()
		os.Exit(1)
	}
	defer index.Close()

	clientAddrs, err := loadClientAddrs(*clientsPath)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to load client registry").Write()
		os.Exit(1)
	}

	var notifier mailer.Notifier
	if cur.AdminEmail != "" && cur.SMTPAddr != "" {
		notifier = mailer.NewSMTPNotifier(mailer.SMTPConfig{
			Addr: cur.SMTPAddr,
			To:   cur.AdminEmail,
		})
	} else {
		notifier = mailer.LogOnlyNotifier{}
	}

	m := metrics.New()
	mgr := runner.NewManager(ctx, *maxConcurrent, *queueSize)
	defer mgr.Close()

	starter := &coordinatorJobStarter{
		settingsProvider: provider,
		dao:              sqliteDAO,
		index:            index,
		snapshot:         newPlatformSnapshotHelper(cur),
		notifier:         notifier,
		metrics:          m,
		manager:          mgr,
		clientAddrs:      clientAddrs,
		stagingRoot:      *stagingRoot,
	}

	secret := []byte(os.Getenv(*jwtSecretEnv))
	if len(secret) == 0 {
		syslog.L.Warn().WithMessage("no JWT signing secret set, generating an ephemeral one for this process").Write()
		secret = ephemeralSecret()
	}

	admin := &adminapi.Server{
		Manager:     mgr,
		Starter:     starter,
		JWTSecret:   secret,
		TokenIssuer: "urbackup-coordinator",
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", admin.Handler())

	srv := &http.Server{Addr: *listenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		syslog.L.Info().WithMessage("admin API listening").WithField("addr", *listenAddr).Write()
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			syslog.L.Warn().WithMessage("systemd readiness notification failed").WithField("error", err.Error()).Write()
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		syslog.L.Error(err).WithMessage("coordinatord exited with error").Write()
		os.Exit(1)
	}
}

func loadClientAddrs(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("coordinatord: decode client registry: %w", err)
	}
	return m, nil
}

func ephemeralSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return []byte("urbackup-coordinator-ephemeral")
	}
	return b
}
