package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/scheduler"
	"OpenFarm-Chain/internal/wallet"
)

// RunHistory 查询运行留痕，由存储层的运行仓库实现。
type RunHistory interface {
	Recent(ctx context.Context, walletID int64, limit int) ([]scheduler.RunRecord, error)
}

// Deps 汇集操作者接口依赖的组件。
type Deps struct {
	Registry *wallet.Registry
	Importer *wallet.Importer
	Producer scheduler.Producer
	History  RunHistory
}

// Server 暴露操作者 REST 接口：查看钱包与统计、导入私钥、
// 同步元数据、停用钱包以及手动触发运行。
type Server struct {
	addr string
	deps Deps
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// Handler 返回路由后的处理器，测试时可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/wallets", s.handleWallets)
	mux.HandleFunc("/api/v1/wallets/import", s.handleImport)
	mux.HandleFunc("/api/v1/wallets/metadata", s.handleMetadata)
	mux.HandleFunc("/api/v1/wallets/disable", s.handleDisable)
	mux.HandleFunc("/api/v1/wallets/run", s.handleRun)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	wallets, err := s.deps.Registry.Store().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, wallets)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.deps.Registry.Store().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		KeysFile  string `json:"keys_file"`
		ProxyFile string `json:"proxy_file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Importer.ImportPlaintextKeys(r.Context(), req.KeysFile, req.ProxyFile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var patches []wallet.MetadataPatch
	if err := json.NewDecoder(r.Body).Decode(&patches); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	applied, err := s.deps.Registry.SyncMetadata(r.Context(), patches)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"applied": applied})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		WalletID int64 `json:"wallet_id"`
		Disabled bool  `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.deps.Registry.SetDisabled(r.Context(), req.WalletID, req.Disabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"wallet_id": req.WalletID, "disabled": req.Disabled})
}

// handleRun 把指定钱包直接投入派发队列，绕过下一次资格扫描。
// 资格本身仍由领取阶段判定，冷却未到期的钱包会被拒绝。
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		WalletID int64 `json:"wallet_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if _, err := s.deps.Registry.Store().Get(r.Context(), req.WalletID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Producer.Publish(r.Context(), req.WalletID); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int64{"wallet_id": req.WalletID})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.History == nil {
		http.Error(w, "运行留痕未启用", http.StatusNotFound)
		return
	}
	var walletID int64
	if raw := r.URL.Query().Get("wallet_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "wallet_id 非法", http.StatusBadRequest)
			return
		}
		walletID = parsed
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.deps.History.Recent(r.Context(), walletID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把领域错误映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case wallet.CodeWalletNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case wallet.CodeWalletConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
