package commands

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
)

func TestParseJobID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"3", 3, false},
		{"#12", 12, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"3abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseJobID(tt.in)
		if tt.wantErr {
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestApprover(t *testing.T) {
	answers := []string{"y", "no", "YES"}
	promptLine = func() (string, bool) {
		if len(answers) == 0 {
			return "", false
		}
		a := answers[0]
		answers = answers[1:]
		return a, true
	}
	t.Cleanup(func() { promptLine = readLine })

	approve := approver()
	req := chain.TxRequest{From: common.HexToAddress("0xe1"), Method: "escrowFunds", JobID: 1, Value: big.NewInt(1e18)}

	assert.NoError(t, approve(context.Background(), req))
	assert.Error(t, approve(context.Background(), req))
	assert.NoError(t, approve(context.Background(), req))
	assert.Error(t, approve(context.Background(), req), "stdin closed")
}

func TestApprover_AssumeYes(t *testing.T) {
	assumeYes = true
	t.Cleanup(func() { assumeYes = false })
	promptLine = func() (string, bool) {
		t.Fatal("prompted despite --yes")
		return "", false
	}
	t.Cleanup(func() { promptLine = readLine })

	assert.NoError(t, approver()(context.Background(), chain.TxRequest{Method: "applyForJob", JobID: 2}))
}
