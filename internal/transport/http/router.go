package http

import (
	"github.com/gin-gonic/gin"
	"github.com/marketloop/offer-service/internal/config"
	"github.com/marketloop/offer-service/internal/registry"
	"github.com/marketloop/offer-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.OfferService, reg *registry.Registry, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, svc)
	r.GET("/ws", IdentityMiddleware(), WSHandler(reg, cfg.Negotiation.PingInterval, cfg.Negotiation.WriteTimeout, log))
	return r
}
