package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ohlc-indicators/internal/indicator"
	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/schema"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// SweepRunner runs an on-demand maintenance sweep.
type SweepRunner interface {
	Run(ctx context.Context, opts indicator.SweepOptions) ([]indicator.SweepReport, error)
}

// Handler implements the HTTP endpoints.
type Handler struct {
	store   model.CandleReader
	reg     *schema.Registry
	stats   *indicator.GapStats
	sweeper SweepRunner // optional
	log     *slog.Logger
}

// NewHandler wires the handler. sweeper may be nil, which disables the sweep endpoint.
func NewHandler(store model.CandleReader, reg *schema.Registry, stats *indicator.GapStats, sweeper SweepRunner, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, reg: reg, stats: stats, sweeper: sweeper, log: log.With(slog.String("component", "api"))}
}

// RegisterRoutes mounts the endpoints under /api.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/config", h.Config)
	g.GET("/candles", h.Candles)
	g.GET("/ema", h.EMA)
	g.POST("/maintenance/gap-report", h.GapReport)
	if h.sweeper != nil {
		g.POST("/maintenance/sweep", h.Sweep)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

// bindQuery binds, defaults and validates a query request.
func bindQuery(c echo.Context, req interface{}) error {
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, req); err != nil {
		return err
	}
	if err := defaults.Set(req); err != nil {
		return err
	}
	return validate.StructCtx(c.Request().Context(), req)
}

type configResponse struct {
	Timeframes []timeframeInfo `json:"timeframes"`
	EMAPeriods []int           `json:"ema_periods"`
}

type timeframeInfo struct {
	Label       string `json:"label"`
	IntervalSec int64  `json:"interval_sec"`
}

// Config returns the configured timeframes and EMA periods.
func (h *Handler) Config(c echo.Context) error {
	tfs := h.reg.Timeframes()
	resp := configResponse{Timeframes: make([]timeframeInfo, 0, len(tfs)), EMAPeriods: h.reg.Periods()}
	for _, tf := range tfs {
		resp.Timeframes = append(resp.Timeframes, timeframeInfo{Label: tf.Label, IntervalSec: tf.IntervalSec})
	}
	return c.JSON(http.StatusOK, resp)
}

type rangeRequest struct {
	Symbol     string `query:"symbol" validate:"required"`
	Timeframe  string `query:"timeframe" validate:"required"`
	Start      int64  `query:"start" validate:"gte=0"`
	End        int64  `query:"end" validate:"gtefield=Start"`
	IncludeEMA bool   `query:"include_ema"`
	EMAPeriods string `query:"ema_periods"`
}

type emaSample struct {
	TS    int64          `json:"timestamp"`
	Value model.EMAValue `json:"value"`
}

type candleRow struct {
	TS     int64                     `json:"timestamp"`
	Open   float64                   `json:"open"`
	High   float64                   `json:"high"`
	Low    float64                   `json:"low"`
	Close  float64                   `json:"close"`
	Volume float64                   `json:"volume"`
	EMA    map[string]model.EMAValue `json:"ema,omitempty"`
}

type candlesResponse struct {
	Symbol    string                 `json:"symbol"`
	Timeframe string                 `json:"timeframe"`
	Candles   []candleRow            `json:"candles"`
	EMA       map[string][]emaSample `json:"ema,omitempty"`
}

// Candles returns stored rows in [start, end]. With include_ema the requested
// periods are attached with their stored state: null, -1 or a value.
func (h *Handler) Candles(c echo.Context) error {
	req := &rangeRequest{}
	if err := bindQuery(c, req); err != nil {
		return badRequest(c, err.Error())
	}
	if _, err := h.reg.Timeframe(req.Timeframe); err != nil {
		return badRequest(c, err.Error())
	}
	periods, err := h.parsePeriods(req.EMAPeriods)
	if err != nil {
		return badRequest(c, err.Error())
	}

	rows, err := h.store.RangeScan(c.Request().Context(), req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		h.log.Error("range scan failed", slog.String("symbol", req.Symbol), slog.String("timeframe", req.Timeframe), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	resp := candlesResponse{Symbol: req.Symbol, Timeframe: req.Timeframe, Candles: make([]candleRow, 0, len(rows))}
	if req.IncludeEMA {
		resp.EMA = make(map[string][]emaSample, len(periods))
		for _, p := range periods {
			resp.EMA[strconv.Itoa(p)] = []emaSample{}
		}
	}
	for _, r := range rows {
		row := candleRow{TS: r.TS, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
		if req.IncludeEMA {
			row.EMA = make(map[string]model.EMAValue, len(periods))
			for _, p := range periods {
				col, err := h.reg.Column(p)
				if err != nil {
					continue
				}
				v := r.EMA[col]
				row.EMA[string(col)] = v
				key := strconv.Itoa(p)
				resp.EMA[key] = append(resp.EMA[key], emaSample{TS: r.TS, Value: v})
			}
		}
		resp.Candles = append(resp.Candles, row)
	}
	return c.JSON(http.StatusOK, resp)
}

type emaResponse struct {
	Symbol    string           `json:"symbol"`
	Timeframe string           `json:"timeframe"`
	Points    []model.EMAPoint `json:"points"`
}

// EMA returns computed readings only; unset and sentinel cells are omitted.
func (h *Handler) EMA(c echo.Context) error {
	req := &rangeRequest{}
	if err := bindQuery(c, req); err != nil {
		return badRequest(c, err.Error())
	}
	if _, err := h.reg.Timeframe(req.Timeframe); err != nil {
		return badRequest(c, err.Error())
	}
	periods, err := h.parsePeriods(req.EMAPeriods)
	if err != nil {
		return badRequest(c, err.Error())
	}

	rows, err := h.store.RangeScan(c.Request().Context(), req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		h.log.Error("range scan failed", slog.String("symbol", req.Symbol), slog.String("timeframe", req.Timeframe), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	resp := emaResponse{Symbol: req.Symbol, Timeframe: req.Timeframe, Points: []model.EMAPoint{}}
	for _, r := range rows {
		for _, p := range periods {
			col, err := h.reg.Column(p)
			if err != nil {
				continue
			}
			if v := r.EMA[col]; v.IsComputed() {
				resp.Points = append(resp.Points, model.EMAPoint{
					Symbol: req.Symbol, Timeframe: req.Timeframe, Period: p, TS: r.TS, Value: v.Value,
				})
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// GapReport returns the gap statistics accumulated since the last report and resets them.
func (h *Handler) GapReport(c echo.Context) error {
	return c.JSON(http.StatusOK, h.stats.Report())
}

type sweepRequest struct {
	Timeframe string `query:"timeframe"`
	Symbol    string `query:"symbol"`
	Full      bool   `query:"full"`
	Workers   int    `query:"workers" default:"2" validate:"gte=1,lte=64"`
}

type sweepResponse struct {
	Reports []indicator.SweepReport `json:"reports"`
	Fixed   int                     `json:"fixed"`
	Errors  []string                `json:"errors,omitempty"`
}

// Sweep runs a synchronous maintenance sweep over the selected keys.
func (h *Handler) Sweep(c echo.Context) error {
	req := &sweepRequest{}
	if err := bindQuery(c, req); err != nil {
		return badRequest(c, err.Error())
	}
	opts := indicator.SweepOptions{FullScan: req.Full, Workers: req.Workers}
	if req.Timeframe != "" {
		if _, err := h.reg.Timeframe(req.Timeframe); err != nil {
			return badRequest(c, err.Error())
		}
		opts.Timeframes = []string{req.Timeframe}
	}
	if req.Symbol != "" {
		opts.Symbols = []string{req.Symbol}
	}

	reports, err := h.sweeper.Run(c.Request().Context(), opts)
	resp := sweepResponse{Reports: reports}
	for _, r := range reports {
		resp.Fixed += r.Fixed
		if r.Err != nil {
			resp.Errors = append(resp.Errors, model.SeriesKey(r.Symbol, r.Timeframe)+": "+r.Err.Error())
		}
	}
	if err != nil && len(resp.Errors) == 0 {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// parsePeriods reads "20,50,200". Empty means every configured period.
// Periods outside the registry are kept and simply match no column.
func (h *Handler) parsePeriods(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.reg.Periods(), nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p <= 0 {
			return nil, errors.New("invalid ema period " + strconv.Quote(part))
		}
		out = append(out, p)
	}
	return out, nil
}
