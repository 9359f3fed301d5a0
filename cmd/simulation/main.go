package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/journal"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minSignals   = 15
	maxSignals   = 150
	numWorkers   = 5
	settleWait   = 5 * time.Second
	pollInterval = 500 * time.Millisecond
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []types.Side{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope mirrors pkg/response.Response with a typed payload
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the execution API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
	order     []string
}

// newSimulationClient creates the client and authenticates with operator credentials
func newSimulationClient(baseURL, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"signal":  {name: "Post Signal"},
			"orders":  {name: "List Orders"},
			"journal": {name: "Trade Journal"},
			"risk":    {name: "Risk Status"},
		},
		order: []string{"auth", "signal", "orders", "journal", "risk"},
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	creds := map[string]string{"api_key": apiKey, "api_secret": apiSecret}
	if err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", creds, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token

	return sc, nil
}

// do sends one request, records its latency and decodes the envelope's data into out
func (sc *simulationClient) do(route, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var parsed envelope[json.RawMessage]
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(parsed.Data, out)
}

// postSignal queues one random signal and returns its trade id
func (sc *simulationClient) postSignal(rng *rand.Rand, strategy string) (string, error) {
	signal := map[string]any{
		"symbol":     symbols[rng.Intn(len(symbols))],
		"side":       sides[rng.Intn(len(sides))],
		"quantity":   decimal.NewFromInt(int64(rng.Intn(100) + 1)),
		"order_type": types.OrderTypeMarket,
		"strategy":   strategy,
		"trade_id":   "SIM-" + uuid.New().String(),
	}
	if err := sc.do("signal", http.MethodPost, "/api/v1/internal/signals", signal, nil); err != nil {
		return "", err
	}
	return signal["trade_id"].(string), nil
}

func (sc *simulationClient) listOrders() ([]types.Order, error) {
	var out []types.Order
	err := sc.do("orders", http.MethodGet, "/api/v1/orders?status=all", nil, &out)
	return out, err
}

func (sc *simulationClient) tradeJournal(tradeID string) ([]journal.Entry, error) {
	var out []journal.Entry
	err := sc.do("journal", http.MethodGet, "/api/v1/journal/trades/"+tradeID, nil, &out)
	return out, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main drives a running server with random signals, waits for the runtime
// loop and paper broker to work through them, and prints a summary
func main() {
	simClient, err := newSimulationClient(
		env("KLEAR_SERVER_URL", "http://localhost:8080"),
		env("KLEAR_OPERATOR_KEY", "test-api-key"),
		env("KLEAR_OPERATOR_SECRET", "test-api-secret"),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	target := rand.Intn(maxSignals-minSignals) + minSignals
	log.Info().Int("target_signals", target).Msg("Starting simulation")

	tradeIDs := make(chan string, target)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			postSignals(workerID, target/numWorkers, simClient, tradeIDs)
		}(i)
	}
	wg.Wait()
	close(tradeIDs)

	sent := make(map[string]bool)
	for id := range tradeIDs {
		sent[id] = true
	}
	log.Info().Int("signals_posted", len(sent)).Msg("All signals posted")

	start := time.Now()
	var tracked []types.Order
	for deadline := time.Now().Add(settleWait); time.Now().Before(deadline); time.Sleep(pollInterval) {
		all, err := simClient.listOrders()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list orders")
			continue
		}
		tracked = tracked[:0]
		open := 0
		for _, o := range all {
			if !sent[o.TradeID] {
				continue
			}
			tracked = append(tracked, o)
			if o.State.Open() {
				open++
			}
		}
		if open == 0 && len(tracked) > 0 {
			break
		}
	}

	states := make(map[types.OrderState]int)
	bySymbol := make(map[string]int)
	notional := decimal.Zero
	journaled := 0
	for _, o := range tracked {
		states[o.State]++
		bySymbol[o.Symbol]++
		notional = notional.Add(o.FilledQuantity.Mul(o.AvgFillPrice))

		entries, err := simClient.tradeJournal(o.TradeID)
		if err != nil {
			log.Error().Err(err).Str("trade_id", o.TradeID).Msg("Failed to read trade journal")
			continue
		}
		journaled += len(entries)
	}

	var risk json.RawMessage
	if err := simClient.do("risk", http.MethodGet, "/api/v1/risk", nil, &risk); err != nil {
		log.Error().Err(err).Msg("Failed to read risk status")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Signals posted:     %d
Orders submitted:   %d
Skipped or gated:   %d
Journal entries:    %d
Filled notional:    $%s
Duration:           %v

Order States
------------
`, len(sent), len(tracked), len(sent)-len(tracked), journaled,
		notional.StringFixed(2), time.Since(start).Round(time.Millisecond))

	for _, s := range []types.OrderState{
		types.StateSubmitted, types.StatePartiallyFilled, types.StateFilled,
		types.StateCancelled, types.StateRejected, types.StateExpired,
	} {
		fmt.Printf("%-18s %d\n", s, states[s])
	}

	fmt.Println("\nSymbol Distribution")
	fmt.Println("-------------------")
	maxCount := 0
	for _, n := range bySymbol {
		if n > maxCount {
			maxCount = n
		}
	}
	for _, symbol := range symbols {
		n := bySymbol[symbol]
		if maxCount == 0 {
			break
		}
		bar := strings.Repeat("#", int(float64(n)/float64(maxCount)*20))
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, n)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()
}

// postSignals sends numSignals random signals, forwarding accepted trade ids
func postSignals(workerID, numSignals int, simClient *simulationClient, out chan<- string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	strategy := fmt.Sprintf("SIM_%d", workerID)
	for i := 0; i < numSignals; i++ {
		tradeID, err := simClient.postSignal(rng, strategy)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to post signal")
			continue
		}
		out <- tradeID
		log.Info().Int("worker_id", workerID).Str("trade_id", tradeID).Msg("Signal posted")

		time.Sleep(time.Duration(rng.Intn(500)) * time.Millisecond)
	}
}
