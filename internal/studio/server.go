// Package studio provides a read-mostly HTTP inspection server for the save
// database.
package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taproom/savedb/pkg/database"
	dberrors "github.com/taproom/savedb/pkg/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Version is reported by /api/info.
var Version = "dev"

// Config holds the server configuration.
type Config struct {
	Port     int
	Host     string
	Database *database.Database
	Logger   *slog.Logger
}

// Server represents the studio web server.
type Server struct {
	db     *database.Database
	logger *slog.Logger
	router chi.Router
	port   int
	host   string
}

// NewServer creates a new studio server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		db:     cfg.Database,
		logger: logger,
		router: chi.NewRouter(),
		port:   cfg.Port,
		host:   cfg.Host,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/info", s.handleInfo)
		r.Get("/stats", s.handleStats)
		r.Get("/transactions", s.handleTransactions)
		r.Post("/query", s.handleQuery)

		r.Get("/tables", s.handleTables)
		r.Route("/tables/{table}", func(r chi.Router) {
			r.Get("/", s.handleTableSchema)
			r.Get("/rows", s.handleTableRows)
			r.Get("/rows/{id}", s.handleTableRow)
		})
	})
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// StartWithContext serves until ctx is done, then shuts down gracefully.
func (s *Server) StartWithContext(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("studio shutdown", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("studio request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// handleInfo returns database info.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.db.Pool().Config()
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"path":           s.db.Path(),
		"dialect":        "sqlite",
		"maxConnections": cfg.MaxConnections,
		"acquireTimeout": cfg.AcquireTimeout.String(),
		"version":        Version,
	})
}

// handleStats returns pool and query statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.db.Stats())
}

// handleTransactions lists open transactions.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"transactions": s.db.Pool().Transactions(),
	})
}

// handleTables returns a list of all tables.
func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.db.Tables(r.Context())
	if err != nil {
		s.dbError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"tables": tables,
	})
}

// handleTableSchema returns the columns and row count of a table.
func (s *Server) handleTableSchema(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}

	columns, err := s.db.Columns(r.Context(), table)
	if err != nil {
		s.dbError(w, err)
		return
	}
	count, err := s.db.Count(r.Context(), table)
	if err != nil {
		s.dbError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"name":    table,
		"columns": columns,
		"rows":    count,
	})
}

// handleTableRows returns one page of a table's rows.
func (s *Server) handleTableRows(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > maxPageSize {
		limit = defaultPageSize
	}

	total, err := s.db.Count(r.Context(), table)
	if err != nil {
		s.dbError(w, err)
		return
	}

	rows, err := s.db.List(r.Context(), table, limit, (page-1)*limit)
	if err != nil {
		s.dbError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"data":  rows,
		"total": total,
		"page":  page,
		"limit": limit,
		"pages": (int(total) + limit - 1) / limit,
	})
}

// handleTableRow returns a single row by primary key.
func (s *Server) handleTableRow(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}

	var id interface{} = chi.URLParam(r, "id")
	if n, err := strconv.ParseInt(id.(string), 10, 64); err == nil {
		id = n
	}

	row, found, err := s.db.GetByID(r.Context(), table, id)
	if err != nil {
		s.dbError(w, err)
		return
	}
	if !found {
		s.jsonError(w, fmt.Sprintf("%s: no row with id %v", table, id), http.StatusNotFound)
		return
	}

	s.jsonResponse(w, http.StatusOK, row)
}

type queryRequest struct {
	Query string        `json:"query"`
	Args  []interface{} `json:"args"`
}

// handleQuery executes a SQL statement. Statements that produce rows return
// them; others report the affected row count.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		s.jsonError(w, "Query is required", http.StatusBadRequest)
		return
	}

	start := time.Now()

	if returnsRows(req.Query) {
		rows, err := s.db.Query(r.Context(), req.Query, req.Args...)
		if err != nil {
			s.dbError(w, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, map[string]interface{}{
			"data":     rows,
			"duration": time.Since(start).Milliseconds(),
		})
		return
	}

	res, err := s.db.Run(r.Context(), req.Query, req.Args...)
	if err != nil {
		s.dbError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rowsAffected": res.RowsAffected,
		"lastInsertId": res.LastInsertID,
		"duration":     time.Since(start).Milliseconds(),
	})
}

// table resolves the {table} parameter, answering 404 for unknown tables.
func (s *Server) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := chi.URLParam(r, "table")

	tables, err := s.db.Tables(r.Context())
	if err != nil {
		s.dbError(w, err)
		return "", false
	}
	if !slices.Contains(tables, table) {
		msg := fmt.Sprintf("unknown table %q", table)
		if hint := dberrors.SuggestSimilar(table, tables); hint != "" {
			msg += ". " + hint
		}
		s.jsonError(w, msg, http.StatusNotFound)
		return "", false
	}
	return table, true
}

func returnsRows(q string) bool {
	upper := strings.ToUpper(strings.TrimSpace(q))
	for _, prefix := range []string{"SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return strings.Contains(upper, " RETURNING ")
}

// Helper methods

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("studio encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// dbError maps database error codes onto HTTP statuses.
func (s *Server) dbError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch dberrors.CodeOf(err) {
	case dberrors.ErrStatementFailed, dberrors.ErrInvalidIdentifier, dberrors.ErrEmptyData, dberrors.ErrInvalidTransaction:
		status = http.StatusBadRequest
	case dberrors.ErrAcquireTimeout, dberrors.ErrPoolClosed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("studio request failed", "error", err)
	}

	body := map[string]string{"error": err.Error()}
	if code := dberrors.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	s.jsonResponse(w, status, body)
}
