// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sgl-project/disagg-lb/internal/config"
	"github.com/sgl-project/disagg-lb/internal/fanout"
	"github.com/sgl-project/disagg-lb/internal/registry"
	"github.com/sgl-project/disagg-lb/internal/router"
	"github.com/sgl-project/disagg-lb/internal/selector"
	"github.com/sgl-project/disagg-lb/internal/server"
	"github.com/sgl-project/disagg-lb/internal/template"
	"github.com/sgl-project/disagg-lb/internal/tokenizer"
)

var (
	prefillURLs      []string
	decodeURLs       []string
	bootstrapPorts   []string
	host             string
	port             uint16
	promptTemplate   string
	modelRepo        string
	taskQueueWeight  float64
	cacheTokenWeight float64
	prefillDPSize    uint
	decodeDPSize     uint
	serveLogLevel    string
	policyConfigPath string
	tokenizerDir     string
	tokenizerCacheN  int
	routerMaxEntries int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the disaggregated-inference load balancer",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringArrayVar(&prefillURLs, "prefill", nil, "Prefill worker URL (repeatable)")
	serveCmd.Flags().StringArrayVar(&decodeURLs, "decode", nil, "Decode worker URL (repeatable)")
	serveCmd.Flags().StringArrayVar(&bootstrapPorts, "prefill-bootstrap-ports", nil, "Bootstrap port per prefill worker (repeatable, padded with 0)")
	serveCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Bind address")
	serveCmd.Flags().Uint16Var(&port, "port", 8000, "Bind port")
	serveCmd.Flags().StringVar(&promptTemplate, "prompt-template-type", template.DefaultName, "Chat prompt template name")
	serveCmd.Flags().StringVar(&modelRepo, "model-repo", "", "Tokenizer source identifier (HuggingFace org/model)")
	serveCmd.Flags().Float64Var(&taskQueueWeight, "task-queue", 1.0, "Task-queue scoring weight (w_q)")
	serveCmd.Flags().Float64Var(&cacheTokenWeight, "num-of-cache-token", 1.0, "Cache-tokens scoring weight (w_c)")
	serveCmd.Flags().UintVar(&prefillDPSize, "prefill-dp-size", 1, "Data-parallel size of each prefill worker")
	serveCmd.Flags().UintVar(&decodeDPSize, "decode-dp-size", 1, "Data-parallel size of each decode worker")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level (overrides SGLANG_LOAD_BALANCER_LOG)")
	serveCmd.Flags().StringVar(&policyConfigPath, "policy-config", "", "Optional YAML file overriding scoring weights/template")
	serveCmd.Flags().StringVar(&tokenizerDir, "tokenizer-dir", "", "Explicit local tokenizer directory, bypassing HuggingFace resolution")
	serveCmd.Flags().IntVar(&tokenizerCacheN, "tokenizer-cache-size", tokenizer.DefaultCacheSize, "Tokenizer result cache capacity")
	serveCmd.Flags().IntVar(&routerMaxEntries, "router-max-entries", router.DefaultMaxEntries, "Prefix router bounded capacity")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	level := os.Getenv("SGLANG_LOAD_BALANCER_LOG")
	if serveLogLevel != "" {
		level = serveLogLevel
	}
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(parsed)

	wq, wc, tplName := taskQueueWeight, cacheTokenWeight, promptTemplate
	if policyConfigPath != "" {
		bundle, err := config.LoadPolicyBundle(policyConfigPath)
		if err != nil {
			return fmt.Errorf("loading --policy-config: %w", err)
		}
		bundle.ApplyOverrides(&wq, &wc, &tplName)
	}

	tpl, err := template.NewRegistry().Get(tplName)
	if err != nil {
		return err
	}
	_ = tpl

	var tok tokenizer.Tokenizer
	if modelRepo != "" || tokenizerDir != "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			cacheDir = os.TempDir()
		}
		bpe, err := tokenizer.Load(modelRepo, tokenizerDir, cacheDir, tokenizerCacheN)
		if err != nil {
			return fmt.Errorf("loading tokenizer: %w", err)
		}
		tok = bpe
	} else {
		return fmt.Errorf("one of --model-repo or --tokenizer-dir is required")
	}

	ports, err := padBootstrapPorts(bootstrapPorts, len(prefillURLs))
	if err != nil {
		return err
	}

	topo := registry.NewTopology()
	for i, u := range prefillURLs {
		topo.RegisterPrefill(registry.PrefillWorker{URL: u, BootstrapPort: ports[i], DPSize: prefillDPSize})
	}
	for _, u := range decodeURLs {
		topo.RegisterDecode(registry.DecodeWorker{URL: u, DPSize: decodeDPSize})
	}

	sel := &selector.Selector{
		Router:       router.New(routerMaxEntries),
		Topology:     topo,
		Templates:    template.NewRegistry(),
		Tokenizer:    tok,
		TemplateName: tplName,
		WeightQueue:  wq,
		WeightCache:  wc,
	}

	srv := &server.Server{
		Topology:      topo,
		Selector:      sel,
		Dispatcher:    fanout.NewDispatcher(log),
		Log:           log,
		PrefillDPSize: prefillDPSize,
		DecodeDPSize:  decodeDPSize,
	}

	httpServer := &http.Server{
		Addr:        net.JoinHostPort(host, strconv.Itoa(int(port))),
		Handler:     server.New(srv),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: chat-completions streams run for as long as
		// generation takes.
	}

	log.Infof("Starting disaggregated-inference load balancer on %s (%d prefill, %d decode workers)",
		httpServer.Addr, len(prefillURLs), len(decodeURLs))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info("Shutting down, draining in-flight requests...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return err
		}
		log.Info("Shutdown complete.")
		return nil
	}
}

// padBootstrapPorts parses the repeatable --prefill-bootstrap-ports flag
// into a uint16 slice padded with 0 (absent) to match n prefill workers,
// per spec.md §6.
func padBootstrapPorts(raw []string, n int) ([]uint16, error) {
	out := make([]uint16, n)
	for i, s := range raw {
		if i >= n {
			break
		}
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --prefill-bootstrap-ports value %q: %w", s, err)
		}
		out[i] = uint16(v)
	}
	return out, nil
}
