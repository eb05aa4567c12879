package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateAcceptsVersionWithinRange(t *testing.T) {
	require.NoError(t, Gate("1.10.0", "1.9.0", "1.14.0"))
}

func TestGateAcceptsBoundaryVersions(t *testing.T) {
	require.NoError(t, Gate("1.9.0", "1.9.0", "1.14.0"))
	require.NoError(t, Gate("1.14.0", "1.9.0", "1.14.0"))
}

func TestGateRejectsVersionBelowMinimum(t *testing.T) {
	err := Gate("1.8.0", "1.9.0", "1.14.0")
	require.Error(t, err)
	var invalid *InvalidParamError
	require.ErrorAs(t, err, &invalid)
}

func TestGateRejectsVersionAboveMaximum(t *testing.T) {
	err := Gate("2.0.0", "1.9.0", "1.14.0")
	require.Error(t, err)
	var invalid *InvalidParamError
	require.ErrorAs(t, err, &invalid)
}

func TestGateRejectsUnparsableVersion(t *testing.T) {
	err := Gate("not-a-version", "1.9.0", "1.14.0")
	require.Error(t, err)
}
