package ethgateway

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/teranos/jobboard/errors"
)

// declineMarkers are wallet/node messages for a refused signature.
var declineMarkers = []string{
	"user denied",
	"user rejected",
	"rejected by user",
}

func markUnavailable(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), errors.ErrNetworkUnavailable)
}

func isRevert(err error) bool {
	if _, ok := unpackRevert(err); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// unpackRevert decodes Error(string) revert data carried by a JSON-RPC error.
func unpackRevert(err error) (string, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return "", false
	}
	hexData, ok := de.ErrorData().(string)
	if !ok {
		return "", false
	}
	reason, uerr := abi.UnpackRevert(common.FromHex(hexData))
	if uerr != nil {
		return "", false
	}
	return reason, true
}

// mapSendError classifies a failure to submit: estimation reverts, signer
// refusals, and transport failures each map to their sentinel.
func mapSendError(err error, method string) error {
	if reason, ok := unpackRevert(err); ok {
		return errors.Wrap(errors.NewReverted(reason), method)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range declineMarkers {
		if strings.Contains(msg, marker) {
			return errors.Mark(errors.Wrap(err, method), errors.ErrTransactionRejected)
		}
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return errors.Wrap(errors.NewReverted(err.Error()), method)
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "eof") {
		return markUnavailable(err, method)
	}
	return errors.Wrap(err, method)
}
