package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	allocationservice "github.com/shulehub/shulehub/internal/allocation/service"
	"github.com/shulehub/shulehub/internal/config"
	feedomain "github.com/shulehub/shulehub/internal/feecatalog/domain"
	gatewayservice "github.com/shulehub/shulehub/internal/gateway/service"
	"github.com/shulehub/shulehub/internal/gateway/webhook"
	invoicedomain "github.com/shulehub/shulehub/internal/invoice/domain"
	"github.com/shulehub/shulehub/internal/logger"
	paymentservice "github.com/shulehub/shulehub/internal/payment/service"
	reconciliationservice "github.com/shulehub/shulehub/internal/reconciliation/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	feeCatalogSvc     feedomain.Service
	invoiceSvc        invoicedomain.Service
	paymentSvc        *paymentservice.Service
	allocationSvc     *allocationservice.Service
	gatewaySvc        *gatewayservice.Service
	webhookSvc        *webhook.Service
	reconciliationSvc *reconciliationservice.Service
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	DB                *gorm.DB
	GenID             *snowflake.Node
	FeeCatalogSvc     feedomain.Service
	InvoiceSvc        invoicedomain.Service
	PaymentSvc        *paymentservice.Service
	AllocationSvc     *allocationservice.Service
	GatewaySvc        *gatewayservice.Service
	WebhookSvc        *webhook.Service
	ReconciliationSvc *reconciliationservice.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		db:                p.DB,
		genID:             p.GenID,
		feeCatalogSvc:     p.FeeCatalogSvc,
		invoiceSvc:        p.InvoiceSvc,
		paymentSvc:        p.PaymentSvc,
		allocationSvc:     p.AllocationSvc,
		gatewaySvc:        p.GatewaySvc,
		webhookSvc:        p.WebhookSvc,
		reconciliationSvc: p.ReconciliationSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Webhooks authenticate by signature, not by tenant header.
	s.engine.POST("/v1/payments/gateway/webhooks/:provider", s.HandleGatewayWebhook)

	v1 := s.engine.Group("/v1", TenantMiddleware())
	{
		v1.GET("/fee-categories", s.ListFeeCategories)
		v1.POST("/fee-categories", s.CreateFeeCategory)
		v1.PATCH("/fee-categories/:id", s.UpdateFeeCategory)
		v1.GET("/fee-structures", s.ListFeeStructures)
		v1.POST("/fee-structures", s.CreateFeeStructure)
		v1.GET("/fee-structures/:id", s.GetFeeStructure)

		v1.GET("/invoices", s.ListInvoices)
		v1.POST("/invoices", s.CreateInvoice)
		v1.POST("/invoices/bulk-generate", s.BulkGenerateInvoices)
		v1.GET("/invoices/:id", s.GetInvoiceByID)
		v1.POST("/invoices/:id/void", s.VoidInvoice)

		v1.GET("/payments/:id", s.GetPaymentByID)
		v1.POST("/payments", s.CreatePayment)
		v1.POST("/payments/:id/check", s.CheckPaymentStatus)
		v1.POST("/payments/:id/allocate", s.AllocatePayment)
		v1.POST("/payments/:id/allocate/bulk", s.BulkAllocatePayment)
		v1.POST("/payments/gateway/initiate", s.InitiateGatewayPayment)

		v1.POST("/reconciliation/import", s.ImportStatement)
		v1.POST("/reconciliation/mark", s.MarkReconciled)
		v1.POST("/reconciliation/override", s.OverridePaymentStatus)
	}
}
