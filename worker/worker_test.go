package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/freundallein/stacdc/chassis/aoi"
	"github.com/freundallein/stacdc/chassis/archive"
	"github.com/freundallein/stacdc/chassis/catalogue"
	"github.com/freundallein/stacdc/chassis/lock"
	"github.com/freundallein/stacdc/chassis/monkey"
	"github.com/freundallein/stacdc/chassis/protocol"
	"github.com/freundallein/stacdc/chassis/storage"
	"github.com/freundallein/stacdc/chassis/testutils"
	"github.com/freundallein/stacdc/dataset"
	"github.com/freundallein/stacdc/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

type fakeArchive struct {
	mu       sync.Mutex
	calls    []archive.Request
	paths    []string
	failures map[string]error
	inFlight int
	peak     int
}

func (f *fakeArchive) Fetch(_ context.Context, req archive.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	time.Sleep(time.Millisecond)

	d := time.Date(req.Inputs["year"].(int), time.Month(req.Inputs["month"].(int)), req.Inputs["day"].(int), 0, 0, 0, 0, time.UTC)
	if err, ok := f.failures[d.Format("2006-01-02")]; ok {
		return "", err
	}
	tmp, err := os.CreateTemp("", "fake-*."+req.Format)
	if err != nil {
		return "", err
	}
	tmp.WriteString("data")
	tmp.Close()
	f.mu.Lock()
	f.paths = append(f.paths, tmp.Name())
	f.mu.Unlock()
	return tmp.Name(), nil
}

type fakeRegistrar struct {
	mu      sync.Mutex
	records [][]byte
}

func (f *fakeRegistrar) Register(_ context.Context, collection string, record []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return collection + "-feature", nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) SendMessage(_ context.Context, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

// assetUploadFailing routes asset uploads through a fault injector that always fails.
type assetUploadFailing struct {
	storage.Client
	chaos storage.Client
}

func (s assetUploadFailing) Upload(ctx context.Context, key, localPath string) error {
	if filepath.Ext(key) == ".grib" {
		return s.chaos.Upload(ctx, key, localPath)
	}
	return s.Client.Upload(ctx, key, localPath)
}

type fixture struct {
	ctx       context.Context
	store     storage.Client
	archive   *fakeArchive
	registrar *fakeRegistrar
	notifier  *fakeNotifier
	worker    *Worker
}

func newFixture(t *testing.T, name string, formats []string, params planner.Params) *fixture {
	t.Helper()
	mem, err := storage.OpenBlobStorage(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	return newFixtureWithStorage(t, name, formats, params, mem)
}

func newFixtureWithStorage(t *testing.T, name string, formats []string, params planner.Params, store storage.Client) *fixture {
	t.Helper()
	ctx, _, _ := testutils.UseTime(context.Background(), today)
	ds, err := dataset.New(name, aoi.CzechRepublic, formats, params)
	require.NoError(t, err)

	f := &fixture{
		ctx:       ctx,
		store:     store,
		archive:   &fakeArchive{failures: make(map[string]error)},
		registrar: &fakeRegistrar{},
		notifier:  &fakeNotifier{},
	}
	f.worker = New(Config{
		Dataset:     ds,
		Storage:     store,
		Locker:      lock.New(lock.Config{Storage: store}),
		Archive:     f.archive,
		Builder:     catalogue.NewBuilder("https://data.example.org", ""),
		Registrar:   f.registrar,
		Notifier:    f.notifier,
		Concurrency: 3,
	})
	return f
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), key, storage.AnyLength)
	require.NoError(t, err)
	return ok
}

func (f *fixture) marker(t *testing.T) *time.Time {
	t.Helper()
	m, err := f.worker.Markers().Get(context.Background(), "czech_republic")
	require.NoError(t, err)
	return m
}

// recent window of two days, no redownload window: plans 06-08..06-10, all forced
var shortPlan = planner.Params{RecentDays: 2}

func TestRunProcessesEveryPlannedDay(t *testing.T) {
	f := newFixture(t, dataset.Land, []string{"grib"}, shortPlan)
	require.NoError(t, f.worker.Run(f.ctx))

	assert.Len(t, f.archive.calls, 3)
	for _, d := range []int{8, 9, 10} {
		assert.True(t, f.exists(t, dataset.NewLand(aoi.CzechRepublic, nil, shortPlan).Key(day(d), "reanalysis", "grib")))
		assert.True(t, f.exists(t, dataset.NewLand(aoi.CzechRepublic, nil, shortPlan).RecordKey(day(d))))
	}
	assert.Len(t, f.registrar.records, 3)
	assert.Equal(t, day(10), *f.marker(t))

	for _, p := range f.archive.paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "temporary file %s left behind", p)
	}

	require.Len(t, f.notifier.messages, 3)
	var event protocol.Event
	require.NoError(t, event.FromJSON(f.notifier.messages[0]))
	assert.Equal(t, "2024-06-08", event.Day)
	assert.Equal(t, "reanalysis-era5-land-feature", event.FeatureID)
	assert.Equal(t, []string{"reanalysis-era5-land/2024/06/08/czech_republic/reanalysis.grib"}, event.Assets)

	assert.False(t, f.exists(t, dataset.MarkerKey(dataset.Land)+lock.Suffix), "marker lock must be released")
}

func TestRunSkipsNotYetAvailable(t *testing.T) {
	f := newFixture(t, dataset.Land, []string{"grib"}, shortPlan)
	f.archive.failures["2024-06-10"] = archive.ErrNotYetAvailable

	require.NoError(t, f.worker.Run(f.ctx))
	assert.Len(t, f.registrar.records, 2)
	assert.Equal(t, day(10), *f.marker(t), "days without data still advance the marker")

	var event protocol.Event
	require.NoError(t, event.FromJSON(f.notifier.messages[2]))
	assert.Empty(t, event.FeatureID)
	assert.Empty(t, event.Assets)
}

func TestRunAbortsOnPermanentError(t *testing.T) {
	f := newFixture(t, dataset.Land, []string{"grib"}, shortPlan)
	boom := &archive.StatusError{StatusCode: 500, Body: "down"}
	f.archive.failures["2024-06-09"] = boom

	err := f.worker.Run(f.ctx)
	require.Error(t, err)
	var status *archive.StatusError
	assert.True(t, errors.As(err, &status))
	assert.Equal(t, day(8), *f.marker(t))
	assert.Len(t, f.registrar.records, 1)
}

func TestRunReusesExistingAssetsWithoutForce(t *testing.T) {
	params := shortPlan
	params.RecatalogizeOnly = true
	f := newFixture(t, dataset.Land, []string{"grib"}, params)

	src := t.TempDir() + "/existing.grib"
	require.NoError(t, os.WriteFile(src, []byte("old"), 0o600))
	for _, d := range []int{8, 9, 10} {
		key := dataset.NewLand(aoi.CzechRepublic, nil, params).Key(day(d), "reanalysis", "grib")
		require.NoError(t, f.store.Upload(context.Background(), key, src))
	}

	require.NoError(t, f.worker.Run(f.ctx))
	assert.Empty(t, f.archive.calls)
	assert.Len(t, f.registrar.records, 3)
}

func TestRunDownloadsProductsConcurrently(t *testing.T) {
	f := newFixture(t, dataset.PressureLevels, []string{"grib", "netcdf"}, planner.Params{RecentDays: 0})
	require.NoError(t, f.worker.Run(f.ctx))

	// one day, four product types in two formats
	assert.Len(t, f.archive.calls, 8)
	assert.LessOrEqual(t, f.archive.peak, 3)

	require.Len(t, f.registrar.records, 1)
	var record struct {
		Features []struct {
			Assets map[string]json.RawMessage `json:"assets"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(f.registrar.records[0], &record))
	keys := make([]string, 0)
	for k := range record.Features[0].Assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"ensemble-mean-grib", "ensemble-mean-netcdf",
		"ensemble-members-grib", "ensemble-members-netcdf",
		"ensemble-spread-grib", "ensemble-spread-netcdf",
		"reanalysis-grib", "reanalysis-netcdf",
	}, keys)
}

func TestRunResumesFromMarker(t *testing.T) {
	f := newFixture(t, dataset.Land, []string{"grib"}, planner.Params{RecentDays: 1})
	_, err := f.worker.Markers().Advance(context.Background(), "czech_republic", day(6))
	require.NoError(t, err)

	require.NoError(t, f.worker.Run(f.ctx))
	// 06-06..06-10: the redownload interval at today is widened back by the four day gap
	assert.Len(t, f.registrar.records, 5)
	assert.Equal(t, day(10), *f.marker(t))
}

func TestRunRemovesTemporaryFileWhenUploadFails(t *testing.T) {
	mem, err := storage.OpenBlobStorage(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	store := assetUploadFailing{Client: mem, chaos: monkey.WrapStorage(mem, 1)}
	f := newFixtureWithStorage(t, dataset.Land, []string{"grib"}, shortPlan, store)

	err = f.worker.Run(f.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, monkey.ErrMonkey)
	var ioErr *storage.IOError
	assert.True(t, errors.As(err, &ioErr))

	require.Len(t, f.archive.paths, 1)
	_, statErr := os.Stat(f.archive.paths[0])
	assert.True(t, os.IsNotExist(statErr), "temporary file %s left behind", f.archive.paths[0])
	assert.Nil(t, f.marker(t))
	assert.Empty(t, f.registrar.records)
}
