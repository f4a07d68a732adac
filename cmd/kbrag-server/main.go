// kbrag-server exposes the bilingual knowledge-base retrieval core over HTTP:
// one endpoint to query, one to rebuild the index from the records file, plus
// health and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/wangchai/kbrag/pkg/bm25"
	"github.com/wangchai/kbrag/pkg/compress"
	"github.com/wangchai/kbrag/pkg/embedding"
	"github.com/wangchai/kbrag/pkg/ingest"
	"github.com/wangchai/kbrag/pkg/kb"
	"github.com/wangchai/kbrag/pkg/language"
	"github.com/wangchai/kbrag/pkg/logging"
	"github.com/wangchai/kbrag/pkg/pipeline"
	"github.com/wangchai/kbrag/pkg/quality"
	"github.com/wangchai/kbrag/pkg/retrieval"
	"github.com/wangchai/kbrag/pkg/store"
)

type serverConfig struct {
	Addr     string         `yaml:"addr"`
	Logging  logging.Config `yaml:"logging"`
	Glossary string         `yaml:"glossary"`
	Records  string         `yaml:"records"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Weaviate struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Scheme  string `yaml:"scheme"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"weaviate"`

	Embedding embedding.HTTPConfig `yaml:"embedding"`
}

func defaultServerConfig() serverConfig {
	cfg := serverConfig{
		Addr:      ":8080",
		Logging:   logging.DefaultConfig(),
		Embedding: *embedding.DefaultHTTPConfig(),
	}
	cfg.Redis.Address = "localhost:6379"
	cfg.Weaviate.Host = "localhost:8081"
	cfg.Weaviate.Scheme = "http"
	return cfg
}

func loadConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func loadRecords(path string) ([]kb.SourceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records file: %w", err)
	}
	var records []kb.SourceRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records file: %w", err)
	}
	return records, nil
}

type server struct {
	pipeline *pipeline.Pipeline
	builder  *pipeline.IndexBuilder
	params   *retrieval.ParamStore
	records  string
	logger   *slog.Logger
}

type queryRequest struct {
	Query      string `json:"query"`
	AnswerType string `json:"answer_type,omitempty"`
	FilterMode string `json:"filter_mode,omitempty"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	resp, err := s.pipeline.Query(r.Context(), req.Query, pipeline.QueryOptions{
		AnswerType: compress.AnswerType(req.AnswerType),
		FilterMode: quality.Mode(req.FilterMode),
	})
	if err != nil {
		s.logger.Error("Query failed", "error", err)
		http.Error(w, "retrieval failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.records == "" {
		http.Error(w, "no records file configured", http.StatusConflict)
		return
	}
	records, err := loadRecords(s.records)
	if err != nil {
		s.logger.Error("Failed to load records", "error", err)
		http.Error(w, "records file unreadable", http.StatusInternalServerError)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	report, err := s.builder.Build(r.Context(), records, force)
	if err != nil {
		s.logger.Error("Rebuild failed", "error", err)
		http.Error(w, "rebuild failed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.params.Get())
	case http.MethodPut:
		var p retrieval.Parameters
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid parameters", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, s.params.Set(p))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func main() {
	configPath := flag.String("config", "", "path to the YAML server configuration")
	addr := flag.String("addr", "", "listen address, overrides the config file")
	recordsPath := flag.String("records", "", "knowledge records YAML file, overrides the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *recordsPath != "" {
		cfg.Records = *recordsPath
	}

	logger := logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var glossary *kb.Glossary
	if cfg.Glossary != "" {
		glossary, err = kb.LoadGlossary(cfg.Glossary)
		if err != nil {
			logger.Error("Failed to load glossary", "path", cfg.Glossary, "error", err)
			os.Exit(1)
		}
		logger.Info("Glossary loaded", "entries", len(glossary.Entries()))
	}

	var state store.KV
	var embedCache embedding.Cache
	if cfg.Redis.Enabled {
		redisCfg := store.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		kv, err := store.NewRedisKV(ctx, redisCfg)
		if err != nil {
			logger.Error("Redis connection failed", "error", err)
			os.Exit(1)
		}
		defer kv.Close()
		state = kv
		embedCache = store.NewKVEmbeddingCache(kv, 24*time.Hour)
	} else {
		state = store.NewMemoryKV()
		embedCache = embedding.NewLRUCache(nil)
		logger.Info("Redis disabled, using in-memory state store")
	}

	var vectors pipeline.VectorStore
	if cfg.Weaviate.Enabled {
		weavCfg := store.DefaultWeaviateConfig()
		weavCfg.Host = cfg.Weaviate.Host
		weavCfg.Scheme = cfg.Weaviate.Scheme
		weavCfg.APIKey = cfg.Weaviate.APIKey
		ws, err := store.NewWeaviateVectorStore(ctx, weavCfg)
		if err != nil {
			logger.Error("Weaviate connection failed", "error", err)
			os.Exit(1)
		}
		vectors = ws
	} else {
		vectors = store.NewMemoryVectorIndex()
		logger.Info("Weaviate disabled, using in-memory vector index")
	}

	provider := embedding.NewCachedProvider(embedding.NewHTTPProvider(&cfg.Embedding), embedCache)

	lexical := bm25.NewHolder(nil)
	chunks := pipeline.NewChunkMap()
	filter := quality.NewFilter(nil)
	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)

	builder := pipeline.NewIndexBuilder(
		ingest.NewService(nil, glossary),
		embedding.NewBatcher(provider, nil),
		filter, bm25.DefaultConfig(), lexical, vectors, chunks, state, metrics)

	params := retrieval.NewParamStore(retrieval.DefaultParameters(), retrieval.DefaultBounds())
	retriever := retrieval.NewRetriever(retrieval.DefaultRetrieverConfig(), params,
		retrieval.NewQueryAnalyzer(glossary), provider, vectors, lexical, chunks)
	tuner := retrieval.NewTuner(retrieval.DefaultTunerConfig(), params)

	pipe := pipeline.NewPipeline(retriever, params,
		retrieval.NewMMRReranker(retrieval.DefaultMMRConfig()), tuner, filter,
		compress.NewCompressor(nil), language.NewConsistencyService(nil), metrics)

	if cfg.Records != "" {
		records, err := loadRecords(cfg.Records)
		if err != nil {
			logger.Error("Failed to load records", "path", cfg.Records, "error", err)
			os.Exit(1)
		}
		report, err := builder.Build(ctx, records, false)
		if err != nil {
			logger.Error("Initial index build failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Initial index ready",
			"chunks", report.ChunksIndexed, "skipped", report.Skipped)
	}

	srv := &server{pipeline: pipe, builder: builder, params: params,
		records: cfg.Records, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/query", srv.handleQuery)
	mux.HandleFunc("/rebuild", srv.handleRebuild)
	mux.HandleFunc("/params", srv.handleParams)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("kbrag-server listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
