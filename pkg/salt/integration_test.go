package salt_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	config "saltypie/configs"
	"saltypie/pkg/output"
	. "saltypie/pkg/salt"
)

// LiveSuite runs against a real salt-api. It is skipped unless SALT_API_URL
// is set; credentials come from the same variables as the command.
type LiveSuite struct {
	suite.Suite
	client *Client
	target string
}

func (s *LiveSuite) SetupSuite() {
	if os.Getenv("SALT_API_URL") == "" {
		s.T().Skip("Skipping live salt-api tests (SALT_API_URL not set)")
	}

	cfg := config.LoadConfig()
	client, err := New(cfg.SaltConfig())
	s.Require().NoError(err)
	s.client = client

	s.target = os.Getenv("SALT_API_TEST_TARGET")
	if s.target == "" {
		s.target = "*"
	}
}

func TestLiveSuite(t *testing.T) {
	suite.Run(t, new(LiveSuite))
}

func (s *LiveSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *LiveSuite) TestLogin() {
	s.Require().NoError(s.client.Login(s.ctx(), ""))
	s.NotEmpty(s.client.Session().Token())
	s.False(s.client.Session().TokenIsExpired())
}

func (s *LiveSuite) TestPing() {
	ret, err := s.client.Local(s.ctx(), JobRequest{Function: "test.ping", Target: s.target})
	s.Require().NoError(err)
	s.NotEmpty(ret.First())
}

func (s *LiveSuite) TestAsyncWaitReturnsJobResult() {
	ret, err := s.client.Execute(s.ctx(), JobRequest{
		Function: "test.ping",
		Target:   s.target,
		Mode:     ModeAsyncWait,
	})
	s.Require().NoError(err)
	s.NotEmpty(ret.First())
}

func (s *LiveSuite) TestStateParsesIntoRun() {
	ret, err := s.client.Execute(s.ctx(), JobRequest{
		Function: "state.single",
		Target:   s.target,
		Args:     []string{"test.succeed_without_changes", "name=saltypie"},
	})
	s.Require().NoError(err)

	run, err := output.StateParser{}.ParseRaw(ret)
	s.Require().NoError(err)
	s.NotEmpty(run.Minions())
	for _, minion := range run.Minions() {
		s.Empty(run[minion].FailedSteps)
	}
}
