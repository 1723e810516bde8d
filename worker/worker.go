package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/freundallein/stacdc/chassis/archive"
	"github.com/freundallein/stacdc/chassis/catalogue"
	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/freundallein/stacdc/chassis/metrics"
	"github.com/freundallein/stacdc/chassis/protocol"
	"github.com/freundallein/stacdc/chassis/queue"
	"github.com/freundallein/stacdc/chassis/storage"
	"github.com/freundallein/stacdc/dataset"
	"github.com/freundallein/stacdc/planner"
	"go.chromium.org/luci/common/clock"
	"golang.org/x/sync/errgroup"
)

// Registrar ...
type Registrar interface {
	Register(ctx context.Context, collection string, record []byte) (string, error)
}

// Config ...
type Config struct {
	Dataset   dataset.Dataset
	Storage   storage.Client
	Locker    Locker
	Archive   archive.Client
	Builder   *catalogue.Builder
	Registrar Registrar
	// Notifier is optional.
	Notifier    queue.Client
	Concurrency int
}

// Worker downloads, stores and catalogues the products of one dataset for one AOI.
type Worker struct {
	cfg     Config
	markers *MarkerStore
}

// New ...
func New(cfg Config) *Worker {
	if cfg.Notifier == nil {
		cfg.Notifier = queue.Nop{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		cfg:     cfg,
		markers: NewMarkerStore(cfg.Storage, cfg.Locker, cfg.Dataset.Name()),
	}
}

// Dataset ...
func (w *Worker) Dataset() string {
	return w.cfg.Dataset.Name()
}

// AOI ...
func (w *Worker) AOI() string {
	return w.cfg.Dataset.AOI().Name
}

// Markers ...
func (w *Worker) Markers() *MarkerStore {
	return w.markers
}

func (w *Worker) fields(extra log.Fields) log.Fields {
	f := log.Fields{
		"dataset": w.Dataset(),
		"aoi":     w.AOI(),
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// Run processes every planned day in ascending order. The first error aborts the run;
// days already finished keep their advanced marker.
func (w *Worker) Run(ctx context.Context) error {
	last, err := w.markers.Get(ctx, w.AOI())
	if err != nil {
		return fmt.Errorf("read marker: %w", err)
	}
	entries := planner.Plan(last, clock.Now(ctx), w.cfg.Dataset.PlanParameters())
	log.WithFields(w.fields(log.Fields{
		"event": "run_planned",
		"days":  len(entries),
	})).Info("worker run started")

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processDay(ctx, entry); err != nil {
			return fmt.Errorf("day %s: %w", entry.Day.Format(dayLayout), err)
		}
	}
	log.WithFields(w.fields(log.Fields{
		"event": "run_finished",
		"days":  len(entries),
	})).Info("worker run finished")
	return nil
}

func (w *Worker) processDay(ctx context.Context, entry planner.Entry) error {
	day := entry.Day
	logger := log.WithFields(w.fields(log.Fields{
		"day":   day.Format(dayLayout),
		"force": entry.Force,
	}))
	logger.WithField("event", "day_started").Info("start processing")

	assets, err := w.collectAssets(ctx, day, entry.Force)
	if err != nil {
		return err
	}

	var featureID string
	if len(assets) > 0 {
		featureID, err = w.register(ctx, day, assets)
		if err != nil {
			return err
		}
	} else {
		logger.WithField("event", "catalogue_skipped").Info("no assets, skipping catalogue item")
	}

	stored, err := w.markers.Advance(ctx, w.AOI(), day)
	if err != nil {
		return fmt.Errorf("advance marker: %w", err)
	}
	metrics.Days.WithLabelValues(w.Dataset(), w.AOI()).Inc()
	metrics.LastProcessedDay.WithLabelValues(w.Dataset(), w.AOI()).Set(float64(stored.Unix()))

	w.notify(ctx, day, featureID, assets)
	logger.WithField("event", "day_processed").WithField("assets", len(assets)).Info("finished processing")
	return nil
}

type product struct {
	productType string
	format      string
}

// collectAssets checks or fetches every product of the day with bounded concurrency.
// Assets keep the product order regardless of completion order.
func (w *Worker) collectAssets(ctx context.Context, day time.Time, force bool) ([]catalogue.Asset, error) {
	var products []product
	for _, pt := range w.cfg.Dataset.ProductTypes() {
		for _, format := range w.cfg.Dataset.Formats() {
			products = append(products, product{productType: pt, format: format})
		}
	}

	slots := make([]*catalogue.Asset, len(products))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.Concurrency)
	for i, p := range products {
		i, p := i, p
		group.Go(func() error {
			asset, err := w.fetchProduct(gctx, day, p, force)
			if err != nil {
				return err
			}
			slots[i] = asset
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	assets := make([]catalogue.Asset, 0, len(slots))
	for _, a := range slots {
		if a != nil {
			assets = append(assets, *a)
		}
	}
	return assets, nil
}

func (w *Worker) fetchProduct(ctx context.Context, day time.Time, p product, force bool) (*catalogue.Asset, error) {
	key := w.cfg.Dataset.Key(day, p.productType, p.format)
	asset := &catalogue.Asset{ProductType: p.productType, Format: p.format, Key: key}
	logger := log.WithFields(w.fields(log.Fields{
		"day":         day.Format(dayLayout),
		"productType": p.productType,
		"format":      p.format,
	}))

	if !force {
		exists, err := w.cfg.Storage.Exists(ctx, key, storage.AnyLength)
		if err != nil {
			return nil, err
		}
		if exists {
			logger.WithField("event", "asset_exists").Info("already stored: ", key)
			metrics.Assets.WithLabelValues(w.Dataset(), "existing").Inc()
			return asset, nil
		}
	}

	localPath, err := w.cfg.Archive.Fetch(ctx, w.cfg.Dataset.FetchRequest(day, p.productType, p.format))
	if localPath != "" {
		defer os.Remove(localPath)
	}
	if err != nil {
		if w.cfg.Dataset.IsNotYetAvailable(err) {
			logger.WithField("event", "asset_not_available").Warn("not yet available")
			metrics.Assets.WithLabelValues(w.Dataset(), "not_available").Inc()
			return nil, nil
		}
		logger.WithField("event", "asset_fetch_failed").Error(err)
		return nil, fmt.Errorf("fetch %s.%s: %w", p.productType, p.format, err)
	}

	if err := w.cfg.Storage.Upload(ctx, key, localPath); err != nil {
		return nil, err
	}
	logger.WithField("event", "asset_stored").Info("saved to storage as ", key)
	metrics.Assets.WithLabelValues(w.Dataset(), "downloaded").Inc()
	return asset, nil
}

// register registers the day's record and keeps a copy of it next to the assets.
func (w *Worker) register(ctx context.Context, day time.Time, assets []catalogue.Asset) (string, error) {
	ds := w.cfg.Dataset
	record, err := w.cfg.Builder.Build(ds.Name(), ds.ItemID(day), day, ds.AOI(), assets)
	if err != nil {
		return "", err
	}
	featureID, err := w.cfg.Registrar.Register(ctx, ds.Name(), record)
	if err != nil {
		metrics.Registrations.WithLabelValues(ds.Name(), "failed").Inc()
		return "", fmt.Errorf("register catalogue item: %w", err)
	}
	metrics.Registrations.WithLabelValues(ds.Name(), "registered").Inc()
	if err := storage.WriteBytes(ctx, w.cfg.Storage, ds.RecordKey(day), record); err != nil {
		return "", fmt.Errorf("store catalogue item: %w", err)
	}
	log.WithFields(w.fields(log.Fields{
		"event":     "catalogue_item_stored",
		"day":       day.Format(dayLayout),
		"featureId": featureID,
		"assets":    len(assets),
	})).Info("registered catalogue item")
	return featureID, nil
}

func (w *Worker) notify(ctx context.Context, day time.Time, featureID string, assets []catalogue.Asset) {
	event := &protocol.Event{
		Kind:      protocol.DayProcessed,
		Dataset:   w.Dataset(),
		AOI:       w.AOI(),
		Day:       day.Format(dayLayout),
		FeatureID: featureID,
	}
	for _, a := range assets {
		event.Assets = append(event.Assets, a.Key)
	}
	msg, err := event.JSON()
	if err == nil {
		err = w.cfg.Notifier.SendMessage(ctx, msg)
	}
	if err != nil {
		log.WithFields(w.fields(log.Fields{
			"event": "notify_failed",
			"day":   day.Format(dayLayout),
		})).Warn(err)
	}
}
