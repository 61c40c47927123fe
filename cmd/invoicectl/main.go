package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/httpapi"
	"github.com/vladislavdragonenkov/invoicing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicing/internal/version"
)

const (
	flagServer  = "server"
	flagToken   = "token"
	flagTimeout = "timeout"
)

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "invoicectl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "invoicectl",
		Usage:   "administer the invoicing service",
		Version: version.GetVersion(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagServer, Value: "http://localhost:8080", Usage: "invoicing API base URL", EnvVars: []string{"INVOICING_API_URL"}},
			&cli.StringFlag{Name: flagToken, Usage: "admin bearer token for mark-paid and delete", EnvVars: []string{"INVOICING_ADMIN_TOKEN"}},
			&cli.DurationFlag{Name: flagTimeout, Value: 30 * time.Second, Usage: "request timeout"},
		},
		Commands: []*cli.Command{
			{
				Name:  "next",
				Usage: "print the number the next invoice will get",
				Action: func(c *cli.Context) error {
					n, err := client(c).NextNumber(c.Context)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, n)
					return err
				},
			},
			{
				Name:  "list",
				Usage: "list invoices, newest first",
				Action: func(c *cli.Context) error {
					invoices, st, err := client(c).List(c.Context)
					if err != nil {
						return err
					}
					return printInvoices(c.App.Writer, invoices, st)
				},
			},
			{
				Name:      "show",
				Usage:     "show one invoice",
				ArgsUsage: "<number>",
				Action: func(c *cli.Context) error {
					n, err := numberArg(c)
					if err != nil {
						return err
					}
					inv, err := client(c).Show(c.Context, n)
					if err != nil {
						return err
					}
					return printInvoice(c.App.Writer, inv)
				},
			},
			{
				Name:  "stats",
				Usage: "print invoice totals",
				Action: func(c *cli.Context) error {
					st, err := client(c).Stats(c.Context)
					if err != nil {
						return err
					}
					return printStats(c.App.Writer, st)
				},
			},
			{
				Name:  "export",
				Usage: "download all invoices as an xlsx workbook",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default invoices-YYYYMMDD.xlsx)"},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if path == "" {
						path = "invoices-" + time.Now().Format("20060102") + ".xlsx"
					}
					return download(c, "/api/invoices/export.xlsx", path)
				},
			},
			{
				Name:      "pdf",
				Usage:     "download the invoice document",
				ArgsUsage: "<number>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default invoice-<number>.pdf)"},
				},
				Action: func(c *cli.Context) error {
					n, err := numberArg(c)
					if err != nil {
						return err
					}
					path := c.String("output")
					if path == "" {
						path = fmt.Sprintf("invoice-%d.pdf", n)
					}
					return download(c, invoicePath(n)+"/pdf?download=1", path)
				},
			},
			{
				Name:      "send",
				Usage:     "email the invoice again",
				ArgsUsage: "<number>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "recipient (default: the invoice's client email)"},
				},
				Action: func(c *cli.Context) error {
					n, err := numberArg(c)
					if err != nil {
						return err
					}
					msg, err := client(c).Send(c.Context, n, c.String("to"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, msg)
					return err
				},
			},
			{
				Name:      "mark-paid",
				Usage:     "set the paid flag of an invoice",
				ArgsUsage: "<number>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "unpaid", Usage: "clear the paid flag instead"},
				},
				Action: func(c *cli.Context) error {
					n, err := numberArg(c)
					if err != nil {
						return err
					}
					inv, err := client(c).MarkPaid(c.Context, n, !c.Bool("unpaid"))
					if err != nil {
						return err
					}
					return printInvoice(c.App.Writer, inv)
				},
			},
			{
				Name:      "delete",
				Usage:     "delete an invoice; its number is never reused",
				ArgsUsage: "<number>",
				Action: func(c *cli.Context) error {
					n, err := numberArg(c)
					if err != nil {
						return err
					}
					msg, err := client(c).Delete(c.Context, n)
					if isNotFound(err) {
						return fmt.Errorf("invoice #%d not found", n)
					}
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, msg)
					return err
				},
			},
			{
				Name:  "token",
				Usage: "issue an admin token signed with the service secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", Usage: "HS256 secret", EnvVars: []string{"INVOICING_ADMIN_SECRET"}, Required: true},
					&cli.StringFlag{Name: "subject", Value: "invoicectl", Usage: "token subject"},
					&cli.DurationFlag{Name: "ttl", Value: httpapi.DefaultAdminTokenTTL, Usage: "token lifetime"},
				},
				Action: func(c *cli.Context) error {
					token, err := httpapi.IssueAdminToken(c.String("secret"), c.String("subject"), c.Duration("ttl"), time.Now())
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, token)
					return err
				},
			},
			{
				Name:  "events",
				Usage: "tail invoice events from kafka",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "brokers", Value: cli.NewStringSlice("localhost:9092"), EnvVars: []string{"INVOICING_KAFKA_BROKERS"}},
					&cli.StringFlag{Name: "topic", Value: kafka.TopicInvoiceEvents},
					&cli.StringFlag{Name: "group", Value: "invoicectl"},
					&cli.BoolFlag{Name: "from-beginning", Usage: "read the topic from the oldest offset"},
				},
				Action: tailEvents,
			},
			dlqReplayCommand(),
		},
	}
}

func client(c *cli.Context) *apiClient {
	return newAPIClient(c.String(flagServer), c.String(flagToken), c.Duration(flagTimeout))
}

func numberArg(c *cli.Context) (domain.InvoiceNumber, error) {
	raw := c.Args().First()
	if raw == "" {
		return 0, errors.New("invoice number is required")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !domain.InvoiceNumber(n).Valid() {
		return 0, fmt.Errorf("invalid invoice number %q", raw)
	}
	return domain.InvoiceNumber(n), nil
}

func download(c *cli.Context, path, output string) error {
	data, err := client(c).Download(c.Context, path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	_, err = fmt.Fprintf(c.App.Writer, "saved %s (%d bytes)\n", output, len(data))
	return err
}

func tailEvents(c *cli.Context) error {
	out := c.App.Writer
	handler := kafka.InvoiceEventHandler(func(_ context.Context, event kafka.InvoiceEvent) error {
		_, err := fmt.Fprintf(out, "%s\t#%s\t%s\t%s\n",
			event.PublishedAt.Format(time.RFC3339), event.InvoiceNumber, event.EventType, event.Payload)
		return err
	})

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    c.StringSlice("brokers"),
		GroupID:    c.String("group"),
		Topics:     []string{c.String("topic")},
		FromOldest: c.Bool("from-beginning"),
	}, handler, nil)
	if err != nil {
		return err
	}
	if err := consumer.Start(c.Context); err != nil {
		return err
	}

	<-c.Context.Done()
	if err := consumer.Stop(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
		return err
	}
	return nil
}

func printInvoices(w io.Writer, invoices []invoice, st stats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NUMBER\tBUYER\tDATE\tDUE\tTOTAL\tPAID")
	for _, inv := range invoices {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			inv.InvoiceNumber, inv.BuyerName, inv.InvoiceDate, inv.DueDate, inv.TotalAmount, yesNo(inv.IsPaid))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d invoices, total %s (paid %s, unpaid %s)\n",
		st.TotalInvoices, st.TotalAmount, st.PaidAmount, st.UnpaidAmount)
	return err
}

func printInvoice(w io.Writer, inv invoice) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Invoice\t#%d\n", inv.InvoiceNumber)
	_, _ = fmt.Fprintf(tw, "Buyer\t%s\n", inv.BuyerName)
	if inv.RegCode != "" {
		_, _ = fmt.Fprintf(tw, "Reg. code\t%s\n", inv.RegCode)
	}
	if inv.ClientAddress != "" {
		_, _ = fmt.Fprintf(tw, "Address\t%s\n", inv.ClientAddress)
	}
	if inv.ClientEmail != "" {
		_, _ = fmt.Fprintf(tw, "Email\t%s\n", inv.ClientEmail)
	}
	_, _ = fmt.Fprintf(tw, "Date\t%s\n", inv.InvoiceDate)
	_, _ = fmt.Fprintf(tw, "Due\t%s\n", inv.DueDate)
	_, _ = fmt.Fprintf(tw, "Paid\t%s\n", yesNo(inv.IsPaid))
	_, _ = fmt.Fprintln(tw)
	_, _ = fmt.Fprintln(tw, "DESCRIPTION\tPRICE\tQTY\tDISCOUNT %\tTOTAL")
	for _, item := range inv.Items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.Description, item.UnitPrice, item.Quantity, item.Discount, item.Total)
	}
	_, _ = fmt.Fprintf(tw, "\t\t\tTotal\t%s\n", inv.TotalAmount)
	return tw.Flush()
}

func printStats(w io.Writer, st stats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Invoices\t%d\n", st.TotalInvoices)
	_, _ = fmt.Fprintf(tw, "Paid\t%d\t%s\n", st.PaidInvoices, st.PaidAmount)
	_, _ = fmt.Fprintf(tw, "Unpaid\t%d\t%s\n", st.UnpaidInvoices, st.UnpaidAmount)
	_, _ = fmt.Fprintf(tw, "Total\t\t%s\n", st.TotalAmount)
	_, _ = fmt.Fprintf(tw, "Last number\t%d\n", st.LastInvoiceNumber)
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
