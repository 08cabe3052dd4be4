package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"rankstream/internal/api"
	"rankstream/internal/config"
	countermem "rankstream/internal/counter/memory"
	dedupmem "rankstream/internal/dedup/memory"
	"rankstream/internal/domain"
	"rankstream/internal/ingest"
	"rankstream/internal/processor"
	queuemem "rankstream/internal/queue/memory"
	"rankstream/internal/query"
	"rankstream/internal/reconcile"
	"rankstream/internal/router"
	"rankstream/internal/snapshot"
	snapmem "rankstream/internal/snapshot/memory"
	"rankstream/internal/tracker"
	"rankstream/internal/worker"
)

// stack is a fully wired in-memory rankstream instance.
type stack struct {
	server    *api.Server
	processor *processor.Service
	pool      *worker.Pool
	queue     *queuemem.Queue
	exact     *countermem.Store
	snapshots *snapshot.Manager
	snapStore *snapmem.Store
	cancel    context.CancelFunc
}

// newStack wires the pipeline the way cmd/rankstream does in memory mode.
func newStack() *stack {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Default()

	exact := countermem.NewStore()
	dedupStore := dedupmem.NewStore(cfg.Ranking.DedupHorizon)
	snapStore := snapmem.NewStore()
	msgQueue := queuemem.NewQueue(10000)

	tr := tracker.New(cfg.Ranking.TrackerCapacity())
	markers := processor.NewMarkers()
	pool := worker.NewPool(
		cfg.Ranking.WorkerCount,
		cfg.Ranking.MailboxSize,
		cfg.Ranking.CoalesceHighWater,
		exact,
		tr,
		domain.Windows(),
		markers,
		logger,
	)

	queryServer := query.NewServer(exact, tr, query.Options{
		KMax:                cfg.Ranking.KMax,
		CandidateMultiplier: cfg.Ranking.CandidateMultiplier,
		MinCandidates:       cfg.Ranking.MinCandidates,
		MaxScanItems:        cfg.Ranking.MaxExactScanItems,
		BucketWidth:         cfg.Ranking.BucketWidth,
	}, logger)

	rt := router.New(dedupStore, cfg.Ranking.BucketWidth, cfg.Ranking.LatenessTolerance, cfg.Ranking.ReconcileHorizon, logger)
	reconciler := reconcile.New(pool, queryServer, logger)
	proc := processor.NewService(msgQueue, rt, pool, reconciler, markers, logger)
	snapshots := snapshot.NewManager(snapStore, exact, markers, msgQueue, cfg.Ranking.SnapshotInterval, cfg.Ranking.SnapshotRetain, logger)
	rebuilder := tracker.NewRebuilder(exact, tr, cfg.Ranking.BucketWidth, cfg.Ranking.MaxExactScanItems, logger)

	ingestService := ingest.NewService(msgQueue, logger)

	server := api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		IngestHandler: api.NewIngestHandler(ingestService, logger),
		QueryHandler:  api.NewQueryHandler(queryServer, cfg.Ranking.QueryTimeout, logger),
		AdminHandler:  api.NewAdminHandler(snapshots, rebuilder, exact, dedupStore, logger),
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	go func() { _ = proc.Start(ctx) }()

	return &stack{
		server:    server,
		processor: proc,
		pool:      pool,
		queue:     msgQueue,
		exact:     exact,
		snapshots: snapshots,
		snapStore: snapStore,
		cancel:    cancel,
	}
}

func (s *stack) stop() {
	s.cancel()
	s.pool.Wait()
}

// do issues a request against the in-process HTTP server.
func (s *stack) do(method, path string, body interface{}) *http.Response {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	Expect(err).NotTo(HaveOccurred())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.server.App().Test(req, 5000)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// rankingData is the data portion of a popular-items response.
type rankingData struct {
	Items []struct {
		ItemID string `json:"itemId"`
		Count  int64  `json:"count"`
	} `json:"items"`
	Mode  string `json:"mode"`
	Stale bool   `json:"stale"`
}

func parseRanking(resp *http.Response) rankingData {
	defer resp.Body.Close()
	var envelope struct {
		Success bool        `json:"success"`
		Data    rankingData `json:"data"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&envelope)).To(Succeed())
	Expect(envelope.Success).To(BeTrue())
	return envelope.Data
}

func (s *stack) ingestEvent(scope, itemID string, op domain.Op) {
	resp := s.do("POST", "/v1/events", map[string]interface{}{
		"scope":  scope,
		"itemId": itemID,
		"op":     string(op),
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
}

var _ = Describe("Ranking Lifecycle", func() {
	var s *stack

	BeforeEach(func() {
		s = newStack()
	})

	AfterEach(func() {
		s.stop()
	})

	Describe("Health Check", func() {
		It("should return healthy status", func() {
			resp := s.do("GET", "/healthz", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("Event Ingestion", func() {
		It("should accept a valid event", func() {
			s.ingestEvent("global", "item-1", domain.OpAdd)
		})

		It("should reject an event without an item", func() {
			resp := s.do("POST", "/v1/events", map[string]interface{}{
				"scope": "global",
				"op":    "ADD",
			})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Top-K Rankings", func() {
		It("should rank items by net count", func() {
			for i := 0; i < 5; i++ {
				s.ingestEvent("global", "video-a", domain.OpAdd)
			}
			for i := 0; i < 3; i++ {
				s.ingestEvent("global", "video-b", domain.OpAdd)
			}
			s.ingestEvent("global", "video-a", domain.OpRemove)
			s.ingestEvent("global", "video-a", domain.OpRemove)

			// video-a net 3, video-b net 3: tie broken by item ID.
			Eventually(func() []string {
				resp := s.do("GET", "/v1/scopes/global/popular?window=1d&k=2", nil)
				data := parseRanking(resp)
				ids := make([]string, len(data.Items))
				for i, item := range data.Items {
					ids[i] = item.ItemID
				}
				return ids
			}, 3*time.Second, 50*time.Millisecond).Should(Equal([]string{"video-a", "video-b"}))
		})

		It("should serve independent rankings per scope", func() {
			s.ingestEvent("eu", "item-eu", domain.OpAdd)
			s.ingestEvent("us", "item-us", domain.OpAdd)

			Eventually(func() int {
				resp := s.do("GET", "/v1/scopes/eu/popular?window=7d&k=10", nil)
				return len(parseRanking(resp).Items)
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(1))

			resp := s.do("GET", "/v1/scopes/eu/popular?window=7d&k=10", nil)
			data := parseRanking(resp)
			Expect(data.Items[0].ItemID).To(Equal("item-eu"))
		})

		It("should absorb duplicate deliveries", func() {
			eventID := "fixed-event-id"
			for i := 0; i < 3; i++ {
				resp := s.do("POST", "/v1/events", map[string]interface{}{
					"eventId": eventID,
					"scope":   "global",
					"itemId":  "item-1",
					"op":      "ADD",
					"ts":      time.Now().UTC().Format(time.RFC3339Nano),
				})
				resp.Body.Close()
			}

			Eventually(func() int64 {
				resp := s.do("GET", "/v1/scopes/global/popular?window=1d&k=1", nil)
				data := parseRanking(resp)
				if len(data.Items) == 0 {
					return 0
				}
				return data.Items[0].Count
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(int64(1)))

			// Give any erroneous duplicate applies time to land.
			Consistently(func() int64 {
				resp := s.do("GET", "/v1/scopes/global/popular?window=1d&k=1", nil)
				return parseRanking(resp).Items[0].Count
			}, 300*time.Millisecond, 100*time.Millisecond).Should(Equal(int64(1)))
		})

		It("should reject k beyond the configured maximum", func() {
			resp := s.do("GET", "/v1/scopes/global/popular?window=1d&k=5000", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should serve all query modes", func() {
			s.ingestEvent("global", "item-1", domain.OpAdd)

			Eventually(func() int {
				resp := s.do("GET", "/v1/scopes/global/popular?window=all&k=10&mode=hybrid", nil)
				return len(parseRanking(resp).Items)
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(1))

			for _, mode := range []string{"approx", "exact", "hybrid"} {
				resp := s.do("GET", fmt.Sprintf("/v1/scopes/global/popular?window=all&k=10&mode=%s", mode), nil)
				data := parseRanking(resp)
				Expect(data.Items).To(HaveLen(1), "mode %s", mode)
				Expect(data.Mode).To(Equal(mode))
			}
		})
	})

	Describe("Admin Operations", func() {
		It("should force a snapshot and recover from it", func() {
			s.ingestEvent("global", "item-1", domain.OpAdd)

			Eventually(func() int {
				resp := s.do("GET", "/v1/scopes/global/popular?window=1d&k=10", nil)
				return len(parseRanking(resp).Items)
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(1))

			resp := s.do("POST", "/v1/admin/scopes/global/snapshot", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			// A fresh stack sharing the snapshot store recovers the counts.
			fresh := countermem.NewStore()
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
			mgr := snapshot.NewManager(s.snapStore, fresh, processor.NewMarkers(), s.queue, time.Minute, 3, logger)
			Expect(mgr.RecoverAll(context.Background(), s.processor.Handle)).To(Succeed())

			card, err := fresh.Cardinality(context.Background(), "global")
			Expect(err).NotTo(HaveOccurred())
			Expect(card).To(Equal(1))
		})

		It("should rebuild candidate tables from exact counts", func() {
			s.ingestEvent("global", "item-1", domain.OpAdd)

			Eventually(func() int {
				resp := s.do("GET", "/v1/scopes/global/popular?window=1d&k=10&mode=exact", nil)
				return len(parseRanking(resp).Items)
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(1))

			resp := s.do("POST", "/v1/admin/scopes/global/windows/1d/rebuild", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var envelope struct {
				Data struct {
					Seeded int `json:"seeded"`
				} `json:"data"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&envelope)).To(Succeed())
			Expect(envelope.Data.Seeded).To(Equal(1))
		})

		It("should report scope stats", func() {
			s.ingestEvent("global", "item-1", domain.OpAdd)

			Eventually(func() float64 {
				resp := s.do("GET", "/v1/admin/scopes/global/stats", nil)
				defer resp.Body.Close()
				var envelope struct {
					Data map[string]interface{} `json:"data,omitempty"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&envelope)
				card, _ := envelope.Data["cardinality"].(float64)
				return card
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(1.0))
		})
	})
})
