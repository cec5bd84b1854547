package tx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkerrors "github.com/cosmos/cosmos-sdk/types/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const inclusionTimeoutMsg = "timed out waiting for tx to be included in a block"

// Runner executes an external command and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type BroadcasterConfig struct {
	Binary         string
	ChainID        string
	Node           string
	From           string
	KeyringBackend string
	KeyringDir     string
	BroadcastMode  string
	AccountNumber  uint64
	Timeout        time.Duration
}

// Broadcaster signs and broadcasts wallet actions through the chain CLI.
type Broadcaster struct {
	cfg    BroadcasterConfig
	runner Runner
	logger zerolog.Logger
}

func NewBroadcaster(cfg BroadcasterConfig, runner Runner) *Broadcaster {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Broadcaster{
		cfg:    cfg,
		runner: runner,
		logger: log.Component("tx"),
	}
}

func (b *Broadcaster) args(action string, sequence uint64) []string {
	args := []string{
		"tx", "swingset", "wallet-action", action,
		"--allow-spend",
		"--offline",
		"--account-number=" + strconv.FormatUint(b.cfg.AccountNumber, 10),
		"--sequence=" + strconv.FormatUint(sequence, 10),
		"--from=" + b.cfg.From,
		"--chain-id=" + b.cfg.ChainID,
		"--node=" + b.cfg.Node,
		"--keyring-backend=" + b.cfg.KeyringBackend,
	}
	if b.cfg.KeyringDir != "" {
		args = append(args, "--keyring-dir="+b.cfg.KeyringDir)
	}
	if b.cfg.BroadcastMode != "" {
		args = append(args, "--broadcast-mode="+b.cfg.BroadcastMode)
	}
	return append(args, "--yes", "--output=json")
}

// Submit broadcasts action with the given account sequence. A transaction that
// was not included in time is reported as ErrTxInclusionTimeout.
func (b *Broadcaster) Submit(ctx context.Context, action string, sequence uint64) (types.TxResult, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	b.logger.Debug().Uint64("sequence", sequence).Str("action", action).Msg("broadcasting wallet action")

	stdout, stderr, err := b.runner.Run(ctx, b.cfg.Binary, b.args(action, sequence)...)
	if res, perr := ParseTxResult(stdout); perr == nil {
		return res, nil
	}

	output := strings.TrimSpace(string(stderr) + " " + string(stdout))
	if strings.Contains(output, inclusionTimeoutMsg) || ctx.Err() == context.DeadlineExceeded {
		return types.TxResult{}, errorsmod.Wrapf(types.ErrTxInclusionTimeout, "sequence %d", sequence)
	}
	if err != nil {
		return types.TxResult{}, errorsmod.Wrapf(types.ErrTxFailed, "%v: %s", err, output)
	}
	return types.TxResult{}, errorsmod.Wrapf(types.ErrTxFailed, "unexpected output: %s", output)
}

// ParseTxResult reads the code, raw log, hash and height of a JSON tx response.
func ParseTxResult(out []byte) (types.TxResult, error) {
	data := strings.TrimSpace(string(out))
	if data == "" || !gjson.Valid(data) {
		return types.TxResult{}, fmt.Errorf("not a tx response: %q", data)
	}

	res := gjson.Parse(data)
	if !res.Get("txhash").Exists() && !res.Get("code").Exists() {
		return types.TxResult{}, fmt.Errorf("not a tx response: %q", data)
	}

	return types.TxResult{
		Code:   uint32(res.Get("code").Uint()),
		RawLog: res.Get("raw_log").String(),
		TxHash: res.Get("txhash").String(),
		Height: res.Get("height").Int(),
	}, nil
}

// IsSequenceMismatch reports whether the chain rejected the tx for its account sequence.
func IsSequenceMismatch(res types.TxResult) bool {
	return res.Code == sdkerrors.ErrWrongSequence.ABCICode() || strings.Contains(res.RawLog, "incorrect account sequence")
}
