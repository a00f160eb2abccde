package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterAdminRoutes 注册配置面路由（资产树、映射、聚合配置、审计日志）
func (r *Router) RegisterAdminRoutes(assets *AssetHandler, mappings *MappingHandler, configs *RollupConfigHandler, query *QueryHandler) {
	r.HandleHandler("/admin/api/v1/assets", assets)
	r.HandleHandler("/admin/api/v1/assets/", assets)

	r.HandleHandler("/admin/api/v1/mappings", mappings)
	r.HandleHandler("/admin/api/v1/mappings/", mappings)

	r.HandleHandler("/admin/api/v1/rollup-configs", configs)
	r.HandleHandler("/admin/api/v1/rollup-configs/", configs)

	r.HandleHandler(auditLogPath, query)
}

// RegisterDataRoutes 注册数据面路由（状态、聚合序列、导出、丢弃记录）
func (r *Router) RegisterDataRoutes(query *QueryHandler) {
	r.HandleHandler(dataAssetsBasePath+"/", query)
	r.HandleHandler(dropsPath, query)
}

// RegisterIngestRoutes 注册遥测接入路由
func (r *Router) RegisterIngestRoutes(ingest *IngestHandler) {
	r.HandleHandler(ingestTelemetryPath, ingest)
}

// RegisterHealthz 健康检查
func (r *Router) RegisterHealthz() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
