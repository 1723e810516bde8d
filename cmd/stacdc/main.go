package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/freundallein/stacdc/chassis/logging"
	_ "gocloud.dev/blob/gcsblob"

	"github.com/freundallein/stacdc/chassis/aoi"
	"github.com/freundallein/stacdc/chassis/archive"
	"github.com/freundallein/stacdc/chassis/catalogue"
	"github.com/freundallein/stacdc/chassis/config"
	"github.com/freundallein/stacdc/chassis/journal"
	"github.com/freundallein/stacdc/chassis/lock"
	"github.com/freundallein/stacdc/chassis/monkey"
	"github.com/freundallein/stacdc/chassis/queue"
	"github.com/freundallein/stacdc/chassis/storage"
	"github.com/freundallein/stacdc/dataset"
	"github.com/freundallein/stacdc/planner"
	"github.com/freundallein/stacdc/scheduler"
	"github.com/freundallein/stacdc/supervisor"
	"github.com/freundallein/stacdc/worker"
)

func initStorage(ctx context.Context, cfg config.StorageConfig) (storage.Client, error) {
	if cfg.Driver == config.DriverBlob {
		bucket, err := storage.OpenBlobStorage(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return bucket, nil
	}
	s3, err := storage.NewS3Storage(storage.S3Config{
		Host:      cfg.Host,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Retries:   cfg.Retries,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func initJournal(ctx context.Context, dsn string) (journal.Journal, func(), error) {
	if dsn == "" {
		return journal.NewMemory(), func() {}, nil
	}
	repo, err := journal.InitPGJournal(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

func initNotifier(appCfg *config.AppConfig) (queue.Client, error) {
	if appCfg.Notify.URL == "" {
		return queue.Nop{}, nil
	}
	sqs, err := queue.InitAWSQueue(queue.Config{
		Name:    appCfg.Notify.Name,
		URL:     appCfg.Notify.URL,
		Retries: appCfg.Notify.Retries,

		//AWS specific
		Region:             appCfg.Notify.Region,
		CredentialsFile:    appCfg.Notify.CredentialsFile,
		CredentialsProfile: appCfg.Notify.CredentialsProfile,
	})
	if err != nil {
		return nil, err
	}
	return sqs, nil
}

func seconds(values []int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init(appCfg.App.Name, appCfg.App.LogLevel)
	if err := appCfg.Validate(); err != nil {
		log.WithFields(log.Fields{
			"event": "config_invalid",
		}).Fatal(err)
	}

	areas := aoi.NewRegistry()
	for _, a := range appCfg.AOIs {
		if err := areas.Register(aoi.AOI{Name: a.Name, BBox: a.BBox}); err != nil {
			log.WithFields(log.Fields{
				"event": "config_invalid",
			}).Fatal(err)
		}
	}
	if err := appCfg.CheckNames(dataset.Names(), areas.Names()); err != nil {
		log.WithFields(log.Fields{
			"event": "config_invalid",
		}).Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store, err := initStorage(ctx, appCfg.Storage)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	store = monkey.WrapStorage(store, appCfg.Chaos.StorageErrorRate)
	locker := lock.New(lock.Config{
		Storage:    store,
		TTLSeconds: appCfg.Lock.TTLSeconds,
		MaxRetries: appCfg.Lock.MaxRetries,
	})

	stac, err := catalogue.NewSTACClient(catalogue.STACConfig{
		Host:       appCfg.Catalogue.Host,
		Username:   appCfg.Catalogue.Username,
		Password:   appCfg.Catalogue.Password,
		MaxRetries: appCfg.Catalogue.MaxRetries,
		Timeout:    time.Duration(appCfg.Catalogue.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_catalogue_failed",
		}).Fatal(err)
	}
	registrar := catalogue.NewRegistrar(stac, appCfg.Catalogue.MaxConflictRetries)
	builder := catalogue.NewBuilder(appCfg.Catalogue.AssetDownloadRoot, appCfg.Catalogue.TemplateDir)

	cds, err := archive.NewCDSClient(archive.CDSConfig{
		URL:               appCfg.CDS.URL,
		Key:               appCfg.CDS.Key,
		PollInterval:      time.Duration(appCfg.CDS.PollIntervalSeconds) * time.Second,
		Timeout:           time.Duration(appCfg.CDS.TimeoutSeconds) * time.Second,
		MaxRetries:        appCfg.CDS.MaxRetries,
		RequestsPerSecond: appCfg.CDS.RequestsPerSecond,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_archive_failed",
		}).Fatal(err)
	}

	runJournal, closeJournal, err := initJournal(ctx, appCfg.Journal.DSN)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_journal_failed",
		}).Fatal(err)
	}
	defer closeJournal()

	notifier, err := initNotifier(appCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_queue_failed",
		}).Fatal(err)
	}

	orchestrators := make([]supervisor.Orchestrator, 0, len(appCfg.Workers))
	for _, wc := range appCfg.Workers {
		area, err := areas.Get(wc.AOI)
		if err != nil {
			log.WithFields(log.Fields{
				"event": "config_invalid",
			}).Fatal(err)
		}
		ds, err := dataset.New(wc.Dataset, area, wc.Formats, planner.Params{
			RedownloadWindowDays: wc.RedownloadWindowDays,
			RecentDays:           wc.RecentDays,
			ThresholdWindow:      wc.ThresholdWindow,
			RecatalogizeOnly:     wc.RecatalogizeOnly,
		})
		if err != nil {
			log.WithFields(log.Fields{
				"event": "config_invalid",
			}).Fatal(err)
		}
		wrk := worker.New(worker.Config{
			Dataset:     ds,
			Storage:     store,
			Locker:      locker,
			Archive:     cds,
			Builder:     builder,
			Registrar:   registrar,
			Notifier:    notifier,
			Concurrency: wc.Concurrency,
		})
		orchestrators = append(orchestrators, scheduler.New(scheduler.Config{
			Worker:      wrk,
			Hour:        appCfg.Schedule.Hour,
			Minute:      appCfg.Schedule.Minute,
			MaxRetries:  appCfg.Schedule.MaxRetries,
			RetryDelays: seconds(appCfg.Schedule.RetryDelaysSeconds),
			Journal:     runJournal,
		}))
	}
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	fleet := supervisor.New(supervisor.Config{
		Orchestrators: orchestrators,
		Journal:       runJournal,
		Expiration:    time.Duration(appCfg.Journal.ExpirationHours) * time.Hour,
	})
	fleet.Run(ctx, &group)

	srv := &http.Server{
		Addr:    appCfg.Metrics.Addr,
		Handler: fleet.Router(ctx, &group),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{
				"event": "listen_failed",
			}).Error(err)
		}
	}()
	<-done
	log.WithFields(log.Fields{
		"event": "ctx_cancel",
	}).Info("received syscall")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithFields(log.Fields{
			"event": "shutdown_failed",
		}).Error(err)
	}
	group.Wait()
}
