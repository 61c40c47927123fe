package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/httpapi"
)

const (
	methodScenario = "scenario"
	methodIssue    = "IssueInvoice"
	methodMarkPaid = "MarkPaid"
	methodDelete   = "DeleteInvoice"

	codeTransportError = "transport_error"
	defaultDueDays     = 14
)

type loadMode string

const (
	modeIssue          loadMode = "issue"
	modeIssuePay       loadMode = "issue-pay"
	modeIssuePayDelete loadMode = "issue-pay-delete"
)

type config struct {
	server      string
	token       string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	deleteRate  int
	amount      decimal.Decimal
	item        string
	buyerTag    string
	outputPath  string
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "loadtest",
		Usage:     "issue invoices concurrently through the HTTP API and report latency",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", EnvVars: []string{"INVOICING_API_URL"}},
			&cli.StringFlag{Name: "token", Usage: "admin bearer token for issue-pay modes", EnvVars: []string{"INVOICING_ADMIN_TOKEN"}},
			&cli.StringFlag{Name: "secret", Usage: "admin secret to sign a token locally", EnvVars: []string{"INVOICING_ADMIN_SECRET"}},
			&cli.IntFlag{Name: "total", Value: 400, Usage: "total scenarios in count mode; with --duration only used when set explicitly"},
			&cli.DurationFlag{Name: "duration", Usage: "optional time-based run duration (e.g. 10m)"},
			&cli.IntFlag{Name: "concurrency", Value: 40, Usage: "number of concurrent workers"},
			&cli.IntFlag{Name: "connections", Value: 20, Usage: "number of HTTP clients"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "per-request timeout"},
			&cli.StringFlag{Name: "mode", Value: string(modeIssue), Usage: "issue | issue-pay | issue-pay-delete"},
			&cli.IntFlag{Name: "delete-rate", Usage: "delete probability in percent for issue-pay mode (0..100)"},
			&cli.StringFlag{Name: "amount", Value: "100.00", Usage: "line item unit price"},
			&cli.StringFlag{Name: "item", Value: "Load test service", Usage: "line item description"},
			&cli.StringFlag{Name: "buyer-tag", Value: "load", Usage: "buyer name prefix"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "optional JSON report output file path"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromContext(c)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			result := runLoad(c.Context, cfg)
			printReport(c.App.Writer, result, cfg)
			if cfg.outputPath != "" {
				if err := writeJSONReport(cfg.outputPath, result); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}

			switch {
			case len(result.DuplicateNumbers) > 0:
				return fmt.Errorf("invoice numbers issued more than once: %v", result.DuplicateNumbers)
			case result.FailedScenarios > 0:
				return fmt.Errorf("%d of %d scenarios failed", result.FailedScenarios, result.TotalScenarios)
			}
			return nil
		},
	}
}

func configFromContext(c *cli.Context) (config, error) {
	cfg := config{
		server:      strings.TrimRight(strings.TrimSpace(c.String("server")), "/"),
		token:       strings.TrimSpace(c.String("token")),
		total:       c.Int("total"),
		totalSet:    c.IsSet("total"),
		duration:    c.Duration("duration"),
		concurrency: c.Int("concurrency"),
		connections: c.Int("connections"),
		timeout:     c.Duration("timeout"),
		deleteRate:  c.Int("delete-rate"),
		item:        strings.TrimSpace(c.String("item")),
		buyerTag:    strings.TrimSpace(c.String("buyer-tag")),
		outputPath:  c.String("output"),
	}

	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	amount, err := decimal.NewFromString(strings.TrimSpace(c.String("amount")))
	if err != nil {
		return cfg, fmt.Errorf("parse amount: %w", err)
	}
	cfg.amount = amount

	if cfg.token == "" && cfg.mode != modeIssue && c.String("secret") != "" {
		token, err := httpapi.IssueAdminToken(c.String("secret"), "loadtest", httpapi.DefaultAdminTokenTTL, time.Now())
		if err != nil {
			return cfg, fmt.Errorf("sign admin token: %w", err)
		}
		cfg.token = token
	}

	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	switch {
	case cfg.server == "":
		return errors.New("server is required")
	case cfg.duration < 0:
		return errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return errors.New("timeout must be > 0")
	case cfg.amount.IsNegative():
		return errors.New("amount must be >= 0")
	case cfg.deleteRate < 0 || cfg.deleteRate > 100:
		return errors.New("delete-rate must be between 0 and 100")
	case cfg.item == "":
		return errors.New("item is required")
	case cfg.buyerTag == "":
		return errors.New("buyer-tag is required")
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeIssue:
		return modeIssue, nil
	case modeIssuePay:
		return modeIssuePay, nil
	case modeIssuePayDelete:
		return modeIssuePayDelete, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runLoad раздаёт сценарии пулу воркеров. Отмена ctx останавливает выдачу новых.
func runLoad(ctx context.Context, cfg config) report {
	startedAt := time.Now()
	r := &runner{
		cfg:   cfg,
		runID: fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()),
		col:   newCollector(),
	}

	clients := make([]*resty.Client, cfg.connections)
	for i := range clients {
		clients[i] = resty.New().
			SetBaseURL(cfg.server).
			SetTimeout(cfg.timeout).
			SetHeader("Accept", "application/json")
		if cfg.token != "" {
			clients[i].SetAuthToken(cfg.token)
		}
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for w := range cfg.concurrency {
		wg.Add(1)
		go func(client *resty.Client) {
			defer wg.Done()
			for index := range jobs {
				r.scenario(ctx, client, index)
			}
		}(clients[w%len(clients)])
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()
	return r.col.buildReport(startedAt, time.Since(startedAt))
}

// dispatchJobs закрывает jobs по исчерпании total, по истечении duration или по отмене ctx.
func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		deadline = time.After(cfg.duration)
	}
	bounded := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !bounded || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

type runner struct {
	cfg   config
	runID string
	col   *collector
}

// scenario выпускает счёт и, в зависимости от режима, оплачивает и удаляет его.
func (r *runner) scenario(ctx context.Context, client *resty.Client, index int) {
	started := time.Now()
	err := r.steps(ctx, client, index, started)

	code := strconv.Itoa(http.StatusOK)
	if err != nil {
		code = scenarioCode(err)
	}
	r.col.record(methodScenario, time.Since(started), code, err == nil)
}

func (r *runner) steps(ctx context.Context, client *resty.Client, index int, now time.Time) error {
	var issued struct {
		InvoiceNumber domain.InvoiceNumber `json:"invoiceNumber"`
	}
	req := client.R().
		SetHeader(httpapi.HeaderIdempotencyKey, fmt.Sprintf("lt-issue-%s-%d", r.runID, index)).
		SetBody(issuePayload(r.cfg, r.runID, index, now)).
		SetResult(&issued)
	if err := r.call(ctx, req, methodIssue, http.MethodPost, "/api/invoices"); err != nil {
		return err
	}
	if !issued.InvoiceNumber.Valid() {
		return errors.New("issue response returned no invoice number")
	}
	r.col.issued(issued.InvoiceNumber)

	if r.cfg.mode == modeIssue {
		return nil
	}
	path := invoicePath(issued.InvoiceNumber)
	if err := r.call(ctx, client.R().SetBody(map[string]bool{"isPaid": true}), methodMarkPaid, http.MethodPatch, path); err != nil {
		return err
	}
	if r.cfg.mode == modeIssuePayDelete || shouldDeleteScenario(index, r.cfg.deleteRate) {
		return r.call(ctx, client.R(), methodDelete, http.MethodDelete, path)
	}
	return nil
}

// call выполняет запрос с таймаутом и пишет код ответа и задержку в collector.
func (r *runner) call(ctx context.Context, req *resty.Request, name, method, path string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	start := time.Now()
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		r.col.record(name, time.Since(start), codeTransportError, false)
		return fmt.Errorf("%s: %w", name, err)
	}

	ok := resp.IsSuccess()
	r.col.record(name, time.Since(start), strconv.Itoa(resp.StatusCode()), ok)
	if !ok {
		return &statusError{method: name, status: resp.StatusCode()}
	}
	return nil
}

func issuePayload(cfg config, runID string, index int, now time.Time) domain.InvoicePayload {
	day := now.UTC()
	return domain.InvoicePayload{
		BuyerName:   fmt.Sprintf("%s-%s-%d", cfg.buyerTag, runID, index),
		InvoiceDate: day.Format(domain.DateLayout),
		DueDate:     day.AddDate(0, 0, defaultDueDays).Format(domain.DateLayout),
		Items: []domain.LineItemInput{{
			Description: cfg.item,
			UnitPrice:   domain.NumericInput(cfg.amount.String()),
			Quantity:    "1",
		}},
	}
}

// statusError — ответ API вне 2xx.
type statusError struct {
	method string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.method, e.status)
}

func scenarioCode(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.status)
	}
	return codeTransportError
}

func invoicePath(n domain.InvoiceNumber) string {
	return "/api/invoices/" + strconv.FormatInt(int64(n), 10)
}

// shouldDeleteScenario удаляет deleteRate сценариев из каждой сотни.
func shouldDeleteScenario(index, deleteRate int) bool {
	return index%100 < deleteRate
}
