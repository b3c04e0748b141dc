package ton

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

// AssetTON is the only asset the house wallet transfers.
const AssetTON = "TON"

type Config struct {
	APIKey         string        `mapstructure:"api_key" json:"-"`
	Testnet        bool          `mapstructure:"testnet" json:"testnet"`
	V2Endpoint     string        `mapstructure:"v2_endpoint" json:"v2_endpoint"`
	V3Endpoint     string        `mapstructure:"v3_endpoint" json:"v3_endpoint"`
	Mnemonic       string        `mapstructure:"mnemonic" json:"-"`
	WalletVersion  string        `mapstructure:"wallet_version" json:"wallet_version"`
	HouseAddress   string        `mapstructure:"house_address" json:"house_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	PageSize       int           `mapstructure:"page_size" json:"page_size"`
}

func DefaultConfig() Config {
	return Config{
		WalletVersion:  "V4R2",
		RequestTimeout: 10 * time.Second,
		PageSize:       50,
	}
}

// Client reads chain state from toncenter and signs house wallet transfers
// through a liteserver connection.
type Client struct {
	cfg        Config
	v2         string
	v3         string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	api   wallet.TonAPI
	house *wallet.Wallet
}

const (
	// messageTTL is how long a signed transfer stays valid on chain.
	messageTTL = 3 * time.Minute
	// txScanDepth bounds how far back the house wallet history is searched
	// for the transaction of a sent message.
	txScanDepth  = 200
	pollInterval = 3 * time.Second
)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}

	v2, v3 := "https://toncenter.com/api/v2", "https://toncenter.com/api/v3"
	if cfg.Testnet {
		v2, v3 = "https://testnet.toncenter.com/api/v2", "https://testnet.toncenter.com/api/v3"
	}
	if cfg.V2Endpoint != "" {
		v2 = strings.TrimRight(cfg.V2Endpoint, "/")
	}
	if cfg.V3Endpoint != "" {
		v3 = strings.TrimRight(cfg.V3Endpoint, "/")
	}

	return &Client{
		cfg:        cfg,
		v2:         v2,
		v3:         v3,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.With(zap.String("component", "ton")),
	}
}

func walletVersion(name string) wallet.Version {
	switch strings.ToUpper(name) {
	case "V3R1":
		return wallet.V3R1
	case "V3R2":
		return wallet.V3R2
	case "V4R1":
		return wallet.V4R1
	case "HIGHLOADV2R2":
		return wallet.HighloadV2R2
	default:
		return wallet.V4R2
	}
}

// ParseAddress accepts both user-friendly and raw ("0:<hex>") addresses.
func ParseAddress(s string) (*address.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, apperr.New(apperr.KindValidation, "ton.address", "address is required")
	}
	if strings.Contains(s, ":") {
		return parseRawAddress(s)
	}
	a, err := address.ParseAddr(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "ton.address", err)
	}
	return a, nil
}

// parseRawAddress decodes the "<workchain>:<64 hex chars>" form.
func parseRawAddress(s string) (*address.Address, error) {
	const op = "ton.address"
	wcPart, dataPart, _ := strings.Cut(s, ":")
	wc, err := strconv.Atoi(wcPart)
	if err != nil || wc < -128 || wc > 127 {
		return nil, apperr.Newf(apperr.KindValidation, op, "invalid workchain in %q", s)
	}
	data, err := hex.DecodeString(dataPart)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("invalid account id: %w", err))
	}
	if len(data) != 32 {
		return nil, apperr.Newf(apperr.KindValidation, op, "account id must be 32 bytes, got %d", len(data))
	}
	return address.NewAddress(0, byte(int8(wc)), data), nil
}

// ValidateAddress reports a KindValidation error for malformed addresses.
func ValidateAddress(s string) error {
	_, err := ParseAddress(s)
	return err
}

// NormalizeAddress returns the lower-case raw form of s so that addresses
// reported by the indexer compare equal to the ones users supply.
func NormalizeAddress(s string) (string, error) {
	a, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return rawString(a), nil
}

func rawString(a *address.Address) string {
	return fmt.Sprintf("%d:%s", a.Workchain(), hex.EncodeToString(a.Data()))
}

func sameAddress(a, b string) bool {
	na, err := NormalizeAddress(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeAddress(b)
	if err != nil {
		return false
	}
	return na == nb
}

// get issues a GET request and decodes the JSON body into out. HTTP failures
// are mapped to error kinds the circuit breakers understand.
func (c *Client) get(ctx context.Context, base, path string, params url.Values, out any) error {
	op := "ton" + strings.ReplaceAll(path, "/", ".")
	reqURL := base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindTimeout, op, err)
		}
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, op, "indexer rate limit exceeded")
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, op, "not found")
	case resp.StatusCode >= 500:
		return apperr.Newf(apperr.KindUnavailable, op, "indexer returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return apperr.Newf(apperr.KindValidation, op, "indexer returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

type masterchainInfo struct {
	Last struct {
		Seqno int64 `json:"seqno"`
	} `json:"last"`
}

// GetChainHeight returns the seqno of the latest masterchain block.
func (c *Client) GetChainHeight(ctx context.Context) (int64, error) {
	var info masterchainInfo
	if err := c.get(ctx, c.v3, "/masterchainInfo", nil, &info); err != nil {
		return 0, err
	}
	return info.Last.Seqno, nil
}

type v3Message struct {
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	Value          string `json:"value"`
	MessageContent *struct {
		Decoded *struct {
			Type    string `json:"type"`
			Comment string `json:"comment"`
		} `json:"decoded"`
	} `json:"message_content"`
}

func (m *v3Message) comment() string {
	if m == nil || m.MessageContent == nil || m.MessageContent.Decoded == nil {
		return ""
	}
	return m.MessageContent.Decoded.Comment
}

type v3Transaction struct {
	Account      string      `json:"account"`
	Hash         string      `json:"hash"`
	Lt           string      `json:"lt"`
	Now          int64       `json:"now"`
	McBlockSeqno *int64      `json:"mc_block_seqno"`
	InMsg        *v3Message  `json:"in_msg"`
	OutMsgs      []v3Message `json:"out_msgs"`
	Description  struct {
		Aborted   bool `json:"aborted"`
		ComputePh struct {
			Success *bool `json:"success"`
		} `json:"compute_ph"`
	} `json:"description"`
}

func (t v3Transaction) succeeded() bool {
	if t.Description.Aborted {
		return false
	}
	return t.Description.ComputePh.Success == nil || *t.Description.ComputePh.Success
}

func (t v3Transaction) confirmations(height int64) (int64, int) {
	if t.McBlockSeqno == nil || *t.McBlockSeqno <= 0 || height < *t.McBlockSeqno {
		return 0, 0
	}
	return *t.McBlockSeqno, int(height-*t.McBlockSeqno) + 1
}

type v3Transactions struct {
	Transactions []v3Transaction `json:"transactions"`
}

// ListRecentTransfers returns successful inbound transfers to addr with a
// logical time above sinceLt, oldest first. The indexer is walked in
// ascending order one page at a time until a short page comes back, so a
// burst larger than PageSize between two calls is still fully returned.
func (c *Client) ListRecentTransfers(ctx context.Context, addr string, sinceLt uint64) ([]model.Transfer, error) {
	const op = "ton.list_transfers"
	watched, err := NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}

	height, err := c.GetChainHeight(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"account": {addr},
		"limit":   {strconv.Itoa(c.cfg.PageSize)},
		"sort":    {"asc"},
	}
	if sinceLt > 0 {
		params.Set("start_lt", strconv.FormatUint(sinceLt+1, 10))
	}

	var out []model.Transfer
	for offset, pages := 0, 0; pages < maxTransferPages; pages++ {
		params.Set("offset", strconv.Itoa(offset))
		var resp v3Transactions
		if err := c.get(ctx, c.v3, "/transactions", params, &resp); err != nil {
			if pages == 0 {
				return nil, err
			}
			// Everything gathered so far is a contiguous prefix, so the
			// caller's cursor stays behind whatever was not read.
			c.logger.Warn("transfer listing cut short", zap.String("address", watched),
				zap.Int("offset", offset), zap.Error(err))
			break
		}
		for _, tx := range resp.Transactions {
			if t, ok := c.inboundTransfer(tx, watched, sinceLt, height); ok {
				out = append(out, t)
			}
		}
		if len(resp.Transactions) < c.cfg.PageSize {
			break
		}
		offset += len(resp.Transactions)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lt < out[j].Lt })

	c.logger.Debug("listed transfers", zap.String("op", op), zap.String("address", watched),
		zap.Uint64("since_lt", sinceLt), zap.Int("count", len(out)))
	return out, nil
}

// maxTransferPages bounds one listing; the next call resumes from the cursor.
const maxTransferPages = 100

func (c *Client) inboundTransfer(tx v3Transaction, watched string, sinceLt uint64, height int64) (model.Transfer, bool) {
	if tx.InMsg == nil || tx.InMsg.Source == "" || !tx.succeeded() {
		return model.Transfer{}, false
	}
	lt, err := strconv.ParseUint(tx.Lt, 10, 64)
	if err != nil || lt <= sinceLt {
		return model.Transfer{}, false
	}
	if !sameAddress(tx.InMsg.Destination, watched) {
		return model.Transfer{}, false
	}
	amount, err := strconv.ParseInt(tx.InMsg.Value, 10, 64)
	if err != nil || amount <= 0 {
		c.logger.Debug("skipping transfer with unusable value",
			zap.String("tx", tx.Hash), zap.String("value", tx.InMsg.Value))
		return model.Transfer{}, false
	}
	block, confs := tx.confirmations(height)
	return model.Transfer{
		TxID:               tx.Hash,
		Lt:                 lt,
		SourceAddress:      tx.InMsg.Source,
		DestinationAddress: watched,
		Amount:             amount,
		Height:             block,
		Confirmations:      confs,
		Comment:            tx.InMsg.comment(),
		Timestamp:          time.Unix(tx.Now, 0).UTC(),
	}, true
}

// GetTransaction returns the indexer's current view of txID.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*model.ChainTx, error) {
	height, err := c.GetChainHeight(ctx)
	if err != nil {
		return nil, err
	}

	var resp v3Transactions
	if err := c.get(ctx, c.v3, "/transactions", url.Values{"hash": {txID}, "limit": {"1"}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Transactions) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "ton.get_transaction", "transaction %s not indexed", txID)
	}

	tx := resp.Transactions[0]
	block, confs := tx.confirmations(height)
	out := &model.ChainTx{
		TxID:          tx.Hash,
		Height:        block,
		Confirmations: confs,
		Success:       tx.succeeded(),
		Outputs:       make([]model.TxOutput, 0, len(tx.OutMsgs)),
	}
	for _, m := range tx.OutMsgs {
		amount, _ := strconv.ParseInt(m.Value, 10, 64)
		out.Outputs = append(out.Outputs, model.TxOutput{DestinationAddress: m.Destination, Amount: amount})
	}
	return out, nil
}

type balanceResponse struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// GetBalance returns the balance of addr in nanotons.
func (c *Client) GetBalance(ctx context.Context, addr string) (int64, error) {
	var result balanceResponse
	if err := c.get(ctx, c.v2, "/getAddressBalance", url.Values{"address": {addr}}, &result); err != nil {
		return 0, err
	}
	if !result.OK {
		return 0, apperr.Newf(apperr.KindUnavailable, "ton.balance", "API returned not OK status: %s", result.Error)
	}
	balance, err := strconv.ParseInt(result.Result, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUnavailable, "ton.balance", fmt.Errorf("failed to parse balance: %w", err))
	}
	return balance, nil
}

func (c *Client) houseWallet(ctx context.Context) (*wallet.Wallet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.house != nil {
		return c.house, nil
	}
	if c.cfg.Mnemonic == "" {
		return nil, apperr.New(apperr.KindValidation, "ton.wallet", "house wallet mnemonic is not configured")
	}

	pool := liteclient.NewConnectionPool()
	configURL := "https://ton.org/global.config.json"
	if c.cfg.Testnet {
		configURL = "https://ton-blockchain.github.io/testnet-global.config.json"
	}
	if err := pool.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "ton.wallet", fmt.Errorf("failed to connect to TON: %w", err))
	}
	api := ton.NewAPIClient(pool)

	w, err := wallet.FromSeed(api, strings.Fields(c.cfg.Mnemonic), walletVersion(c.cfg.WalletVersion))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "ton.wallet", fmt.Errorf("failed to create wallet from seed: %w", err))
	}
	if spec, ok := w.GetSpec().(interface{ SetMessagesTTL(uint32) }); ok {
		spec.SetMessagesTTL(uint32(messageTTL / time.Second))
	}
	c.api = api
	c.house = w
	c.logger.Info("house wallet ready", zap.String("address", w.WalletAddress().String()))
	return w, nil
}

// HouseAddress returns the configured house address, falling back to the
// address derived from the mnemonic.
func (c *Client) HouseAddress(ctx context.Context) (string, error) {
	if c.cfg.HouseAddress != "" {
		return c.cfg.HouseAddress, nil
	}
	w, err := c.houseWallet(ctx)
	if err != nil {
		return "", err
	}
	return w.WalletAddress().String(), nil
}

// PrepareTransfer signs a transfer of amount nanotons from the house wallet
// to to without sending it. The returned message hash identifies the
// transaction the transfer produces once it lands.
func (c *Client) PrepareTransfer(ctx context.Context, from, to string, amount int64, asset string) (*model.OutgoingTransfer, error) {
	const op = "ton.prepare_transfer"
	if asset != "" && asset != AssetTON {
		return nil, apperr.Newf(apperr.KindValidation, op, "unsupported asset %q", asset)
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "amount must be positive")
	}
	dest, err := ParseAddress(to)
	if err != nil {
		return nil, err
	}

	w, err := c.houseWallet(ctx)
	if err != nil {
		return nil, err
	}
	if from != "" && !sameAddress(from, w.WalletAddress().String()) {
		return nil, apperr.Newf(apperr.KindValidation, op, "%s is not the house wallet", from)
	}

	msg, err := w.BuildTransfer(dest, tlb.MustFromNano(big.NewInt(amount), 9), false, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainSubmission, op, err)
	}
	ext, err := w.BuildExternalMessageForMany(ctx, []*wallet.Message{msg})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainSubmission, op, err)
	}
	expiresAt := time.Now().Add(messageTTL)
	payload, err := tlb.ToCell(ext)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainSubmission, op, err)
	}
	return &model.OutgoingTransfer{
		MessageHash: hex.EncodeToString(ext.Body.Hash()),
		ExpiresAt:   expiresAt,
		Payload:     payload.ToBOC(),
	}, nil
}

// SubmitTransfer sends a prepared transfer and waits until its transaction
// shows up or the message expires. Any error here leaves the outcome
// unknown: the message may still land until it expires.
func (c *Client) SubmitTransfer(ctx context.Context, out *model.OutgoingTransfer) (model.BroadcastResult, error) {
	const op = "ton.submit_transfer"
	root, err := cell.FromBOC(out.Payload)
	if err != nil {
		return model.BroadcastResult{}, apperr.Wrap(apperr.KindValidation, op, err)
	}
	var ext tlb.ExternalMessage
	if err := tlb.LoadFromCell(&ext, root.BeginParse()); err != nil {
		return model.BroadcastResult{}, apperr.Wrap(apperr.KindValidation, op, err)
	}

	if _, err := c.houseWallet(ctx); err != nil {
		return model.BroadcastResult{}, err
	}
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()

	if err := api.SendExternalMessage(ctx, &ext); err != nil {
		c.logger.Warn("sending transfer failed", zap.String("message", out.MessageHash), zap.Error(err))
		return model.BroadcastResult{}, apperr.Wrap(apperr.KindChainSubmission, op, err)
	}

	deadline := time.NewTimer(time.Until(out.ExpiresAt))
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return model.BroadcastResult{Error: "sent, not confirmed before shutdown"}, nil
		case <-deadline.C:
			return model.BroadcastResult{Error: "sent, not confirmed before expiry"}, nil
		case <-tick.C:
		}
		txID, err := c.FindTransfer(ctx, out.MessageHash)
		if apperr.Is(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			c.logger.Debug("transfer lookup failed", zap.String("message", out.MessageHash), zap.Error(err))
			continue
		}
		c.logger.Info("transfer landed", zap.String("message", out.MessageHash), zap.String("tx", txID))
		return model.BroadcastResult{Success: true, TxID: txID}, nil
	}
}

// FindTransfer searches the recent house wallet history for the transaction
// of a sent message.
func (c *Client) FindTransfer(ctx context.Context, messageHash string) (string, error) {
	const op = "ton.find_transfer"
	hash, err := hex.DecodeString(messageHash)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, op, err)
	}
	w, err := c.houseWallet(ctx)
	if err != nil {
		return "", err
	}
	tx, err := w.FindTransactionByInMsgHash(ctx, hash, txScanDepth)
	if errors.Is(err, wallet.ErrTxWasNotFound) {
		return "", apperr.Newf(apperr.KindNotFound, op, "no transaction for message %s", messageHash)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if tx == nil {
		return "", apperr.Newf(apperr.KindNotFound, op, "no transaction for message %s", messageHash)
	}
	return hex.EncodeToString(tx.Hash), nil
}
