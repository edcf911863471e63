// Command fcdmetricsd runs the floating-car-data traffic metrics daemon:
// it accepts record batches over HTTP, extracts traversals, computes
// spatio-temporal speed metrics and the Relative Traffic Status Metric,
// and serves the results from a durable metric store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fcdtraffic/internal/api"
	"github.com/banshee-data/fcdtraffic/internal/config"
	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/httputil"
	"github.com/banshee-data/fcdtraffic/internal/kernel"
	"github.com/banshee-data/fcdtraffic/internal/roadnet"
	"github.com/banshee-data/fcdtraffic/internal/spatiotemporal"
	"github.com/banshee-data/fcdtraffic/internal/store"
	"github.com/banshee-data/fcdtraffic/internal/threshold"
	"github.com/banshee-data/fcdtraffic/internal/timeutil"
	"github.com/banshee-data/fcdtraffic/internal/version"
)

var (
	listen        = flag.String("listen", ":8090", "HTTP listen address for the ingest and query API")
	adminListen   = flag.String("admin-listen", ":8091", "HTTP listen address for the admin/debug mux")
	configPath    = flag.String("config", "", "path to JSON config file (defaults baked in if omitted)")
	roadNetwork   = flag.String("road-network", "", "path to a road-network JSON file (required)")
	tickInterval  = flag.Duration("tick-interval", 1*time.Second, "wall-clock cadence at which the kernel checks for due time-based work")
	unitsFlag     = flag.String("units", "mps", "default response units for the query API (mps, mph, kmph, kph)")
)

func main() {
	flag.Parse()

	log.Printf("fcdmetricsd: starting version=%s git_sha=%s", version.Version, version.GitSHA)

	if *roadNetwork == "" {
		log.Fatal("fcdmetricsd: -road-network is required")
	}

	cfg := config.Empty()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("fcdmetricsd: loading config: %v", err)
		}
		cfg = loaded
	}

	roadMap, err := roadnet.LoadStaticMap(*roadNetwork)
	if err != nil {
		log.Fatalf("fcdmetricsd: loading road network: %v", err)
	}

	metricStore, err := store.New(store.Config{
		Kind:       store.Kind(cfg.GetFCDDataStorage()),
		Path:       fmt.Sprintf("%s/%s", cfg.GetDatabasePath(), cfg.GetDatabaseFileName()),
		Persistent: cfg.GetIsPersistent(),
	}, roadMap)
	if err != nil {
		log.Fatalf("fcdmetricsd: opening metric store: %v", err)
	}

	spatioProc := spatiotemporal.New(roadMap, metricStore, metricStore, cfg.GetSpatialMeanSpeedChunkM())

	thresholdProc := threshold.New(metricStore, roadMap, threshold.Config{
		TriggerInterval:             cfg.GetTriggerInterval(),
		DefaultRedLightDuration:     cfg.GetDefaultRedLightDuration(),
		MinTraversalsForThreshold:   cfg.GetMinTraversalsForThreshold(),
		RecomputeAllRTSMOnThreshold: cfg.GetRecomputeAllRTSMWithNewThresholds(),
		RedLightMinSamples:          10,
		RedLightMaxSamples:          400,
	})

	k := kernel.New(timeutil.RealClock{}, kernel.Config{
		UnitRemovalInterval: cfg.GetUnitRemovalInterval(),
		UnitExpirationTime:  cfg.GetUnitExpirationTime(),
		StoreRawFCD:         cfg.GetStoreRawFCD(),
	}, metricStore)
	k.RegisterTraversalProcessor(spatioProc)
	k.RegisterTimeBasedProcessor(thresholdProc)
	k.Start(time.Now())

	apiServer := api.NewServer(metricStore, *unitsFlag)
	ingestMux := apiServer.ServeMux()
	ingestMux.HandleFunc("/ingest", ingestHandler(k))

	adminMux := http.NewServeMux()
	if err := metricStore.AttachAdminRoutes(adminMux); err != nil {
		log.Fatalf("fcdmetricsd: attaching admin routes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestServer := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(ingestMux)}
	adminServer := &http.Server{Addr: *adminListen, Handler: adminMux}

	err = kernel.Supervise(ctx,
		func(ctx context.Context) error {
			return k.RunRealtime(ctx, *tickInterval)
		},
		func(ctx context.Context) error {
			return runServer(ctx, ingestServer)
		},
		func(ctx context.Context) error {
			return runServer(ctx, adminServer)
		},
	)
	if err != nil {
		log.Printf("fcdmetricsd: shutdown with error: %v", err)
	}

	if err := metricStore.Shutdown(); err != nil {
		log.Printf("fcdmetricsd: store shutdown error: %v", err)
	}
}

func runServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func ingestHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}

		correlationID := uuid.NewString()

		var batch fcd.Batch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			log.Printf("fcdmetricsd: ingest %s: invalid batch payload: %v", correlationID, err)
			httputil.BadRequest(w, fmt.Sprintf("invalid batch payload: %v", err))
			return
		}

		if err := k.HandleUpdate(batch); err != nil {
			log.Printf("fcdmetricsd: ingest %s: failed to handle batch: %v", correlationID, err)
			httputil.InternalServerError(w, fmt.Sprintf("failed to handle batch: %v", err))
			return
		}

		log.Printf("fcdmetricsd: ingest %s: accepted batch vehicle=%s records=%d final=%t", correlationID, batch.VehicleID, len(batch.Records), batch.Final)
		w.WriteHeader(http.StatusAccepted)
	}
}
