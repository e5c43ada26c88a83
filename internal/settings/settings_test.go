package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettings_Hashed(t *testing.T) {
	cases := []struct {
		name string
		s    Settings
		want bool
	}{
		{"defaults are full transfer", Settings{LocalTransferMode: TransferFull, NetTransferMode: TransferFull}, false},
		{"local blockhash turns it on", Settings{LocalTransferMode: TransferBlockhash}, true},
		{"internet blockhash without internet_mode does nothing", Settings{NetTransferMode: TransferBlockhash}, false},
		{"internet blockhash with internet_mode turns it on", Settings{InternetMode: true, NetTransferMode: TransferBlockhash}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.s.Hashed())
		})
	}
}

func TestApplyDefaults_FillsTransferModes(t *testing.T) {
	s := Settings{}
	applyDefaults(&s)
	require.Equal(t, TransferFull, s.LocalTransferMode)
	require.Equal(t, TransferFull, s.NetTransferMode)
}
