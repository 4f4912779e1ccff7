// Package httpapi exposes the monitor's control surface over HTTP.
//
// Routes live under a base path (default /api). Every response body is the
// operation's result struct with `success` and, on rejection, a
// machine-readable `reason`. GET {base}/ws streams stockStatusUpdate
// events to websocket clients.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/monitor"
	"stockwatch/internal/product"
	logx "stockwatch/pkg/logx"
)

// Controller is the part of monitor.Service the API drives.
type Controller interface {
	GetProducts(ctx context.Context) monitor.ProductsResult
	GetMonitoringStatus(ctx context.Context) monitor.StatusResult
	StartMonitoring(ctx context.Context) monitor.Result
	StopMonitoring(ctx context.Context) monitor.Result
	AddProduct(ctx context.Context, p product.Product) monitor.ProductsResult
	RemoveProduct(ctx context.Context, id string) monitor.ProductsResult
	UpdateCheckInterval(ctx context.Context, seconds int) monitor.Result
	ForceCheck(ctx context.Context) monitor.CheckResult
	GetPurchaseStats(ctx context.Context) monitor.PurchaseResult
	ResetPurchaseCount(ctx context.Context) monitor.PurchaseResult
	UpdatePurchaseLimit(ctx context.Context, limit int) monitor.PurchaseResult
	AddToCart(ctx context.Context, p product.Product, cartURL string) monitor.CartResult
	EmergencyStop(ctx context.Context) monitor.Result
}

type Config struct {
	Addr     string
	BasePath string
	// Token, when set, is required as a bearer token on mutating routes.
	Token string
	// Metrics serves this handler at /metrics when non-nil.
	Metrics http.Handler
	Pprof   bool
}

type Server struct {
	cfg Config
	mon Controller
	bus eventbus.Bus
	log logx.Logger
}

func New(cfg Config, mon Controller, bus eventbus.Bus, log logx.Logger) *Server {
	return &Server{cfg: cfg, mon: mon, bus: bus, log: log.With(logx.String("comp", "httpapi"))}
}

// Handler returns the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), s.accessLog())

	api := g.Group(sanitizeBase(s.cfg.BasePath))
	api.GET("/products", s.handleGetProducts)
	api.GET("/status", s.handleStatus)
	api.GET("/purchases", s.handlePurchaseStats)
	api.GET("/ws", s.handleWS)

	mut := api.Group("", s.requireToken())
	mut.POST("/monitoring/start", s.handleStart)
	mut.POST("/monitoring/stop", s.handleStop)
	mut.POST("/products", s.handleAddProduct)
	mut.DELETE("/products", s.handleRemoveProduct)
	mut.PUT("/interval", s.handleInterval)
	mut.POST("/check", s.handleForceCheck)
	mut.POST("/purchases/reset", s.handleResetPurchases)
	mut.PUT("/purchases/limit", s.handlePurchaseLimit)
	mut.POST("/cart", s.handleAddToCart)
	mut.POST("/emergency-stop", s.handleEmergencyStop)

	if s.cfg.Metrics != nil {
		g.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}
	if s.cfg.Pprof {
		dbg := g.Group("/debug/pprof", s.requireToken())
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(pprof.Handler(name)))
		}
	}
	return g
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.String("base", sanitizeBase(s.cfg.BasePath)))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "" || strings.HasSuffix(c.FullPath(), "/ws") {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return "/api"
	}
	if bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
