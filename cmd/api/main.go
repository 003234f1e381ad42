package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

func main() {
	app := &cli.App{
		Name:  "order-api",
		Usage: "storefront order placement service",
		Commands: []*cli.Command{
			{Name: "serve", Usage: "run the HTTP API", Action: serve},
			{Name: "migrate", Usage: "create the database schema", Action: migrate},
			{
				Name:   "restock",
				Usage:  "put units back on a product's shelf",
				Action: restock,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "product", Required: true},
					&cli.IntFlag{Name: "quantity", Required: true},
				},
			},
			{
				Name:   "token",
				Usage:  "issue a bearer token for a user",
				Action: token,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "username", Required: true},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("order-api")
	}
}

type deps struct {
	cfg config.Config
	log *logrus.Logger
}

func load() (deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return deps{}, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return deps{}, err
	}
	return deps{cfg: cfg, log: log}, nil
}

func connect(ctx context.Context, cfg config.Config) (*postgres.Pool, error) {
	return postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{
		MinConns:       cfg.DB.MinConns,
		MaxConns:       cfg.DB.MaxConns,
		AcquireTimeout: cfg.DB.AcquireTimeout,
		Isolation:      cfg.DB.Isolation,
	})
}

func newLedger(d deps) *inventory.Ledger {
	return inventory.NewLedger(inventory.RetryPolicy{
		MaxAttempts:    d.cfg.Reserve.MaxAttempts,
		InitialBackoff: d.cfg.Reserve.InitialBackoff,
		MaxBackoff:     d.cfg.Reserve.MaxBackoff,
	}, d.log.WithField("component", "ledger"))
}

func serve(c *cli.Context) error {
	d, err := load()
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(d.cfg.JWTSecret, d.cfg.JWTAlgorithm)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := connect(ctx, d.cfg)
	if err != nil {
		return errors.Wrap(err, "db connect")
	}
	defer pool.Close()

	rdb := redisx.New(d.cfg.RedisAddr)
	defer rdb.Close()

	placed := kafkax.NewProducer(d.cfg.KafkaBrokers, orders.TopicOrderPlaced, 1024, d.log)
	placed.Start()
	rejected := kafkax.NewProducer(d.cfg.KafkaBrokers, orders.TopicOrderRejected, 1024, d.log)
	rejected.Start()

	svc := orders.NewService(pool, newLedger(d), orders.Repo{}, d.log.WithField("component", "orders"))
	router := httpx.NewRouter(d.log)
	oh := &httpx.OrdersHandler{
		Placer:   svc,
		DB:       pool.DB,
		Redis:    rdb,
		Placed:   placed,
		Rejected: rejected,
		Service:  d.cfg.ServiceName,
		Timeout:  d.cfg.RequestTimeout,
		Log:      d.log,
	}
	oh.Register(router, auth.Middleware(verifier))

	srv := &http.Server{Addr: d.cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.WithField("addr", d.cfg.HTTPAddr).Info("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	placed.Close()
	rejected.Close()
	placed.WaitClosed()
	rejected.WaitClosed()
	return err
}

func migrate(c *cli.Context) error {
	d, err := load()
	if err != nil {
		return err
	}
	pool, err := connect(c.Context, d.cfg)
	if err != nil {
		return errors.Wrap(err, "db connect")
	}
	defer pool.Close()

	if err := postgres.Migrate(c.Context, pool.DB); err != nil {
		return err
	}
	d.log.Info("schema up to date")
	return nil
}

func restock(c *cli.Context) error {
	d, err := load()
	if err != nil {
		return err
	}
	pool, err := connect(c.Context, d.cfg)
	if err != nil {
		return errors.Wrap(err, "db connect")
	}
	defer pool.Close()

	productID, qty := c.Int64("product"), c.Int("quantity")
	ledger := newLedger(d)
	conn, err := pool.Acquire(c.Context)
	if err != nil {
		return err
	}
	defer conn.Release()

	if err := ledger.Restock(c.Context, conn, productID, qty); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"product_id": productID, "quantity": qty}).Info("restocked")
	return nil
}

func token(c *cli.Context) error {
	d, err := load()
	if err != nil {
		return err
	}
	v, err := auth.NewVerifier(d.cfg.JWTSecret, d.cfg.JWTAlgorithm)
	if err != nil {
		return err
	}
	tok, err := v.Issue(auth.Identity{UserID: c.Int64("user-id"), Username: c.String("username")}, d.cfg.JWTTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
