package main

import (
	"context"
	"net/http"
	"time"

	"github.com/celer-network/txservice/client"
	"github.com/celer-network/txservice/config"
	"github.com/celer-network/txservice/logger"
	"github.com/celer-network/txservice/notify"
	"github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/memory"
	"github.com/celer-network/txservice/store/tendermint"
	"github.com/celer-network/txservice/telemetry"
	"github.com/celer-network/txservice/txmanager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

// service is a started engine together with everything it was built from.
type service struct {
	txm    txmanager.TxManager
	logger *logger.ZapLogger

	closers []func() error
}

func newService(ctx context.Context) (_ *service, err error) {
	settings, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	zl, err := logger.NewProductionLogger(settings.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "could not build logger")
	}
	svc := &service{logger: zl}
	svc.closers = append(svc.closers, func() error {
		_ = zl.Sync()
		return nil
	})
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	shutdownTracer, err := telemetry.InitTracer(ctx, "txservice", settings.OtelEndpoint)
	if err != nil {
		zl.Warnw("tracing disabled", "err", err)
	}
	svc.closers = append(svc.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracer(ctx)
	})

	chains, err := config.LoadChains(settings.ChainsFile, zl)
	if err != nil {
		return nil, err
	}
	signer, err := newSigner(settings)
	if err != nil {
		return nil, err
	}
	ledger, err := svc.newLedger(settings)
	if err != nil {
		return nil, err
	}

	opts := []txmanager.Option{txmanager.WithRegisterer(prometheus.DefaultRegisterer)}
	if len(settings.KafkaBrokers) > 0 {
		notifier, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers:     settings.KafkaBrokers,
			TopicPrefix: settings.KafkaTopicPrefix,
		})
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, notifier.Close)
		opts = append(opts, txmanager.WithNotifier(notifier))
	}

	txm, err := txmanager.NewTxManager(chains, signer, ledger, opts...)
	if err != nil {
		return nil, err
	}
	if err := txm.Start(); err != nil {
		return nil, err
	}
	// stopped before the ledger and notifier it writes to are closed
	svc.closers = append(svc.closers, txm.Stop)
	svc.txm = txm
	// nothing monitors entries of an earlier run
	pruned, err := txm.Prune()
	if err != nil {
		zl.Warnw("could not prune ledger", "err", err)
	} else if pruned > 0 {
		zl.Infow("pruned transactions left by a previous run", "count", pruned)
	}

	if settings.MetricsAddr != "" {
		svc.serveMetrics(settings.MetricsAddr)
	}
	zl.Infow("txservice started",
		"signer", signer.Address().Hex(),
		"chains", len(chains.Chains),
		"persistentLedger", settings.LedgerDir != "",
	)
	return svc, nil
}

func newSigner(settings config.Settings) (client.Signer, error) {
	if settings.PrivateKey != "" {
		signer, err := client.NewPrivateKeySignerFromHex(settings.PrivateKey)
		if err != nil {
			return nil, err
		}
		return signer, nil
	}
	if !common.IsHexAddress(settings.KeystoreAddress) {
		return nil, errors.Errorf("invalid keystore address %q", settings.KeystoreAddress)
	}
	signer, err := client.NewKeyStoreSigner(settings.KeystoreDir, common.HexToAddress(settings.KeystoreAddress), settings.KeystorePassword)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

func (svc *service) newLedger(settings config.Settings) (store.Ledger, error) {
	if settings.LedgerDir == "" {
		return memory.NewLedger(), nil
	}
	ledger, err := tendermint.NewGoLevelDBStore("txservice", settings.LedgerDir)
	if err != nil {
		return nil, errors.Wrap(err, "could not open ledger")
	}
	svc.closers = append(svc.closers, ledger.Close)

	// entries left behind by monitors of an earlier run are only informative
	pending, err := ledger.Txs()
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		svc.logger.Warnw("ledger holds transactions from a previous run", "count", len(pending))
	}
	return ledger, nil
}

func (svc *service) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.logger.Errorw("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	svc.closers = append(svc.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
}

// Close releases resources in reverse order of acquisition.
func (svc *service) Close() error {
	var errs error
	for i := len(svc.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, svc.closers[i]())
	}
	svc.closers = nil
	return errs
}
