// Command ledgerctl is an operator console for the donation ledger. It talks
// to the HTTP gateway of a running donationledger process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"DonationLedger/internal/amount"
	"DonationLedger/internal/core"
	"DonationLedger/internal/query"
	"DonationLedger/internal/server"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
)

const usage = `usage: ledgerctl [OPTIONS] <command> [args]

commands:
  init <beneficiary>         install the beneficiary (caller must be the deployer)
  donate <amount>            donate a human amount, e.g. 1.25
  withdraw                   withdraw the full balance (caller must be the beneficiary)
  balance                    show the pool balance
  beneficiary                show the beneficiary
  history                    list donation history (-offset, -limit)
  nonce                      show the caller's next nonce
  top                        list the top donors (-limit)
  transfer <id>              show a payout transfer
  pool                       show the projected pool summary
  snapshot                   take a snapshot (admin)
  verify                     run the integrity check (admin)
`

type client struct {
	base   string
	caller string
	token  string
	http   *http.Client
}

// apiError mirrors the gateway's error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func main() {
	addrFlag := flag.String("addr", envOr("LEDGER_HTTP_URL", "http://localhost:8080"), "gateway base URL")
	callerFlag := flag.String("as", os.Getenv("LEDGER_CALLER"), "caller identity")
	tokenFlag := flag.String("token", os.Getenv("LEDGER_ADMIN_TOKEN"), "admin token")
	offsetFlag := flag.Int("offset", 0, "history offset")
	limitFlag := flag.Int("limit", 20, "page size")
	feeFlag := flag.Uint64("fee", 1, "fee reserve attached to calls")
	nonceFlag := flag.Uint64("nonce", 0, "call nonce (0 = unordered)")
	timeoutFlag := flag.Uint("timeout", 10, "timeout in seconds")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		base:   *addrFlag,
		caller: *callerFlag,
		token:  *tokenFlag,
		http:   &http.Client{Timeout: time.Duration(*timeoutFlag) * time.Second},
	}
	ctx := context.Background()

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "init":
		err = c.initialize(ctx, flag.Arg(1))
	case "donate":
		err = c.donate(ctx, flag.Arg(1), *feeFlag, *nonceFlag)
	case "withdraw":
		err = c.withdraw(ctx, *feeFlag, *nonceFlag)
	case "balance":
		err = c.balance(ctx)
	case "beneficiary":
		err = c.beneficiary(ctx)
	case "history":
		err = c.history(ctx, *offsetFlag, *limitFlag)
	case "nonce":
		err = c.nonce(ctx)
	case "top":
		err = c.topDonors(ctx, *limitFlag)
	case "transfer":
		err = c.transfer(ctx, flag.Arg(1))
	case "pool":
		err = c.pool(ctx)
	case "snapshot":
		err = c.snapshot(ctx)
	case "verify":
		err = c.verify(ctx)
	default:
		pterm.Error.Printfln("unknown command %q", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func (c *client) initialize(ctx context.Context, beneficiary string) error {
	if beneficiary == "" {
		return errors.New("init needs a beneficiary")
	}
	var resp server.CallResponse
	req := server.InitializeRequest{CallID: uuid.NewString(), Beneficiary: beneficiary}
	if err := c.do(ctx, http.MethodPost, "/v1/initialize", nil, req, &resp); err != nil {
		return err
	}
	printCall(&resp)
	pterm.Success.Printfln("Beneficiary set to %s", pterm.Cyan(beneficiary))
	return nil
}

func (c *client) donate(ctx context.Context, human string, fee, nonce uint64) error {
	raw, err := amount.FromHuman(human)
	if err != nil {
		return err
	}
	req := server.DonateRequest{
		CallID:     uuid.NewString(),
		Amount:     raw.String(),
		FeeReserve: fee,
		Nonce:      nonce,
	}

	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Submitting donation ...")
	var resp server.CallResponse
	err = c.do(ctx, http.MethodPost, "/v1/donations", nil, req, &resp)
	spinner.Stop()
	if err != nil {
		return err
	}
	printCall(&resp)
	pterm.Success.Printfln("Donated %s, pool now %s", amount.Human(raw), resp.BalanceHuman)
	return nil
}

func (c *client) withdraw(ctx context.Context, fee, nonce uint64) error {
	req := server.WithdrawRequest{CallID: uuid.NewString(), FeeReserve: fee, Nonce: nonce}

	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Submitting withdrawal ...")
	var resp server.CallResponse
	err := c.do(ctx, http.MethodPost, "/v1/withdrawals", nil, req, &resp)
	spinner.Stop()
	if err != nil {
		return err
	}
	printCall(&resp)
	if resp.Transfer != nil {
		printTransfer(resp.Transfer)
	}
	return nil
}

func (c *client) balance(ctx context.Context) error {
	var resp server.GetBalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balance", nil, nil, &resp); err != nil {
		return err
	}
	pterm.DefaultBox.WithTitle("Pool").Println(pterm.Sprintf(
		"Balance   %s (%s raw)\nEntries   %d\nAs of     #%d",
		pterm.LightGreen(resp.BalanceHuman), resp.Balance, resp.HistoryLen, resp.AsOfSequence))
	return nil
}

func (c *client) beneficiary(ctx context.Context) error {
	var resp server.GetBeneficiaryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/beneficiary", nil, nil, &resp); err != nil {
		return err
	}
	pterm.Info.Printfln("Beneficiary: %s (as of #%d)", pterm.Cyan(resp.Beneficiary), resp.AsOfSequence)
	return nil
}

func (c *client) history(ctx context.Context, offset, limit int) error {
	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))

	var resp server.GetHistoryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/history", params, nil, &resp); err != nil {
		return err
	}
	if len(resp.Entries) == 0 {
		pterm.Info.Printfln("No entries (total %d)", resp.Total)
		return nil
	}

	data := pterm.TableData{{"#", "Actor", "Kind", "Amount"}}
	for _, e := range resp.Entries {
		data = append(data, []string{strconv.Itoa(e.Position), e.Actor, e.Kind, e.AmountHuman})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("Showing %d-%d of %d (as of #%d)",
		resp.Offset, resp.Offset+len(resp.Entries)-1, resp.Total, resp.AsOfSequence)
	return nil
}

func (c *client) nonce(ctx context.Context) error {
	var resp server.GetExpectedNonceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/nonce", nil, nil, &resp); err != nil {
		return err
	}
	pterm.Info.Printfln("Next nonce for %s: %d", pterm.Cyan(resp.Caller), resp.Nonce)
	return nil
}

func (c *client) topDonors(ctx context.Context, limit int) error {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	var resp query.TopDonorsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/donors/top", params, nil, &resp); err != nil {
		return err
	}
	data := pterm.TableData{{"Rank", "Donor", "Total", "Donations"}}
	for i, d := range resp.Donors {
		data = append(data, []string{
			strconv.Itoa(i + 1), d.Donor, d.TotalHuman, strconv.FormatInt(d.DonationCount, 10),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("Projected as of #%d", resp.AsOfSequence)
	return nil
}

func (c *client) transfer(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("transfer needs an id")
	}
	var resp server.TransferMessage
	if err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return err
	}
	printTransfer(&resp)
	return nil
}

func (c *client) pool(ctx context.Context) error {
	var resp query.PoolSummaryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/pool", nil, nil, &resp); err != nil {
		return err
	}
	pterm.DefaultBox.WithTitle("Pool summary").Println(pterm.Sprintf(
		"Balance    %s\nDonated    %s\nWithdrawn  %s\nEntries    %d\nAs of      #%d",
		pterm.LightGreen(resp.BalanceHuman), resp.TotalDonated, resp.TotalWithdrawn,
		resp.EntryCount, resp.AsOfSequence))
	return nil
}

func (c *client) snapshot(ctx context.Context) error {
	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Taking snapshot ...")
	var resp server.TakeSnapshotResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/snapshot", nil, server.TakeSnapshotRequest{}, &resp)
	spinner.Stop()
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Snapshot taken at #%d", resp.Sequence)
	return nil
}

func (c *client) verify(ctx context.Context) error {
	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Verifying ledger integrity ...")
	var report query.IntegrityReport
	err := c.do(ctx, http.MethodGet, "/v1/admin/integrity", nil, nil, &report)
	spinner.Stop()
	if err != nil {
		return err
	}
	if report.IsHealthy {
		pterm.Success.Printfln("Ledger healthy as of #%d", report.AsOfSequence)
		return nil
	}
	if len(report.HashChainBreaks) > 0 {
		pterm.Error.Printfln("Hash chain breaks at %v", report.HashChainBreaks)
	}
	if m := report.PoolMismatch; m != nil {
		pterm.Error.Printfln("Pool mismatch: projected %s, recomputed %s", m.Projected, m.Recomputed)
	}
	return errors.New("integrity check failed")
}

func (c *client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != "" {
		req.Header.Set(server.CallerHeader, c.caller)
	}
	if c.token != "" {
		req.Header.Set(server.AdminTokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printCall(resp *server.CallResponse) {
	if resp.Duplicate {
		pterm.Warning.Println("Call already applied; nothing changed")
		return
	}
	pterm.Info.Printfln("Applied at sequence #%d", resp.Sequence)
}

func printTransfer(t *server.TransferMessage) {
	status := pterm.Yellow(t.Status)
	switch core.TransferStatus(t.Status) {
	case core.TransferSettled:
		status = pterm.Green(t.Status)
	case core.TransferFailed:
		status = pterm.Red(t.Status)
	}
	text := pterm.Sprintf("ID           %s\nBeneficiary  %s\nAmount       %s\nStatus       %s",
		t.TransferID, t.Beneficiary, t.AmountHuman, status)
	if t.Reason != "" {
		text += "\nReason       " + t.Reason
	}
	pterm.DefaultBox.WithTitle("Transfer").Println(text)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
