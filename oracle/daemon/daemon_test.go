package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cosmos/cosmos-sdk/client"
	sdk "github.com/cosmos/cosmos-sdk/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/GPTx-global/pricefeed/oracle/config"
	"github.com/GPTx-global/pricefeed/oracle/daemon"
	"github.com/GPTx-global/pricefeed/oracle/testutil"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const (
	feed   = "ATOM-USD"
	handle = "oracleAccept-200"
)

type accounts struct{}

func (accounts) GetAccountNumberSequence(client.Context, sdk.AccAddress) (uint64, uint64, error) {
	return 7, 40, nil
}

type jobRun struct {
	Path        string
	AccessKey   string
	RequestID   uint64 `json:"request_id"`
	RequestType int    `json:"request_type"`
}

// fakeNode records job runs the daemon requests from the compute node.
type fakeNode struct {
	*httptest.Server
	mu   sync.Mutex
	runs []jobRun
}

func newFakeNode() *fakeNode {
	n := &fakeNode{}
	n.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var run jobRun
		_ = json.NewDecoder(r.Body).Decode(&run)
		run.Path = r.URL.Path
		run.AccessKey = r.Header.Get("X-Chainlink-EA-AccessKey")

		n.mu.Lock()
		n.runs = append(n.runs, run)
		n.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return n
}

func (n *fakeNode) Runs() []jobRun {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]jobRun(nil), n.runs...)
}

// fakeAgd accepts every wallet action and publishes the matching offer status.
type fakeAgd struct {
	rpc    *testutil.FakeRPC
	ledger string
	round  uint64

	mu    sync.Mutex
	calls [][]string
}

func (a *fakeAgd) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	a.mu.Lock()
	a.calls = append(a.calls, args)
	n := len(a.calls)
	a.mu.Unlock()

	a.rpc.Append(a.ledger, 100+int64(n), testutil.OfferStatus(fmt.Sprint(n), handle, a.round, 9_500_000, ""))
	return []byte(`{"code":0,"txhash":"ABCDEF","height":"101","raw_log":"[]"}`), nil, nil
}

func (a *fakeAgd) Calls() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.calls...)
}

var _ = Describe("Daemon", func() {
	var (
		cancel   context.CancelFunc
		d        *daemon.Daemon
		node     *fakeNode
		agd      *fakeAgd
		operator string
		baseURL  string
	)

	post := func(path, body string) *http.Response {
		res, err := http.Post(baseURL+path, "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return res
	}

	job := func() types.JobState {
		j, err := d.Store().Job(feed)
		Expect(err).NotTo(HaveOccurred())
		return j
	}

	BeforeEach(func() {
		home := GinkgoT().TempDir()
		operator = sdk.MustBech32ifyAddressBytes("agoric", bytes.Repeat([]byte{1}, 20))
		now := time.Unix(1_700_000_000, 0)
		clock := testutil.NewFakeClock(now)

		rpc := testutil.NewFakeRPC()
		rpc.SetStatus(100, false, now)
		rpc.SetupInvitation(operator, feed, handle)
		rpc.Set("published.priceFeed."+feed+"_price_feed.latestRound", 90, testutil.LatestRound(802, now.Unix()-10, "agoric1other"))
		rpc.Set("published.priceFeed."+feed+"_price_feed", 90, testutil.PriceQuote(1_000_000, 9_500_000))
		rpc.Set("published.wallet."+operator, 50, testutil.OfferStatus("1", handle, 800, 9_400_000, ""))

		node = newFakeNode()
		agd = &fakeAgd{rpc: rpc, ledger: "published.wallet." + operator, round: 802}

		cfg := config.Default(home)
		cfg.Chain.From = operator
		cfg.Chain.AccountNumber = 7
		cfg.Middleware.Port = 0
		cfg.Middleware.BlockInterval = 1
		cfg.Chainlink.URL = node.URL
		cfg.Feeds[0].PushInterval = 600
		Expect(os.WriteFile(cfg.Chainlink.CredentialsFile, []byte(`{"EI_IC_ACCESSKEY":"key","EI_IC_SECRET":"secret"}`), 0o600)).To(Succeed())
		Expect(cfg.Validate()).To(Succeed())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		var err error
		d, err = daemon.New(ctx, &cfg, daemon.Deps{RPC: rpc, Accounts: accounts{}, Runner: agd, Clock: clock})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Start()).To(Succeed())

		Eventually(d.Addr, 5*time.Second).ShouldNot(BeNil())
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", d.Addr().(*net.TCPAddr).Port)
	})

	AfterEach(func() {
		cancel()
		d.Stop()
		node.Close()
	})

	It("requests a job run for a newly registered feed", func() {
		Expect(post("/jobs", `{"jobId":"job-1","params":{"name":"ATOM-USD"}}`).StatusCode).To(Equal(http.StatusOK))

		Eventually(node.Runs, 5*time.Second).ShouldNot(BeEmpty())
		run := node.Runs()[0]
		Expect(run.Path).To(Equal("/v2/jobs/job-1/runs"))
		Expect(run.AccessKey).To(Equal("key"))
		Expect(run.RequestID).To(Equal(uint64(1)))
		Expect(run.RequestType).To(BeElementOf(int(types.ReasonHeartbeat), int(types.ReasonNewRound)))
	})

	It("pushes a delivered price to the open round", func() {
		Expect(post("/jobs", `{"jobId":"job-1","params":{"name":"ATOM-USD"}}`).StatusCode).To(Equal(http.StatusOK))

		res := post("/adapter", `{"data":{"result":9500000,"request_id":1,"request_type":1,"job":"job-1","name":"ATOM-USD"}}`)
		Expect(res.StatusCode).To(Equal(http.StatusOK))

		Eventually(func() uint64 { return job().LastReportedRound }, 10*time.Second).Should(Equal(uint64(802)))
		Expect(job().LastReceivedRequestID).To(BeNumerically(">=", 1))

		calls := agd.Calls()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0]).To(ContainElements("wallet-action", "--sequence=40", "--from="+operator, "--account-number=7"))
	})

	It("rejects a price it cannot read", func() {
		Expect(post("/jobs", `{"jobId":"job-1","params":{"name":"ATOM-USD"}}`).StatusCode).To(Equal(http.StatusOK))

		res := post("/adapter", `{"data":{"result":"n/a","request_id":1,"request_type":1,"name":"ATOM-USD"}}`)
		Expect(res.StatusCode).To(Equal(http.StatusInternalServerError))
		Consistently(agd.Calls, time.Second).Should(BeEmpty())
	})

	It("removes jobs by id", func() {
		Expect(post("/jobs", `{"jobId":"job-1","params":{"name":"ATOM-USD"}}`).StatusCode).To(Equal(http.StatusOK))

		req, err := http.NewRequest(http.MethodDelete, baseURL+"/jobs/job-1", nil)
		Expect(err).NotTo(HaveOccurred())
		res, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		res.Body.Close()
		Expect(res.StatusCode).To(Equal(http.StatusOK))

		_, err = d.Store().Job(feed)
		Expect(err).To(MatchError(types.ErrJobNotFound))
	})

	It("serves health and metrics", func() {
		res, err := http.Get(baseURL + "/health")
		Expect(err).NotTo(HaveOccurred())
		res.Body.Close()
		Expect(res.StatusCode).To(Equal(http.StatusOK))

		res, err = http.Get(baseURL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		res.Body.Close()
		Expect(res.StatusCode).To(Equal(http.StatusOK))
	})
})
