package routemodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoute_Validate(t *testing.T) {
	epochs := 3
	zero := 0

	cases := []struct {
		name    string
		route   Route
		wantErr error
	}{
		{"linear ok", Route{Suffix: "job-1", Stations: []StationId{"alpha"}}, nil},
		{"periodic ok", Route{Suffix: "job-1", Stations: []StationId{"alpha"}, Periodic: true, Epochs: &epochs}, nil},
		{"empty stations", Route{Suffix: "job-1"}, ErrEmptyStations},
		{"periodic missing epochs", Route{Suffix: "job-1", Stations: []StationId{"alpha"}, Periodic: true}, ErrMissingEpochs},
		{"periodic zero epochs", Route{Suffix: "job-1", Stations: []StationId{"alpha"}, Periodic: true, Epochs: &zero}, ErrMissingEpochs},
		{"linear with epochs set", Route{Suffix: "job-1", Stations: []StationId{"alpha"}, Epochs: &epochs}, ErrUnexpectedEpochs},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.route.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestStationProject(t *testing.T) {
	assert.Equal(t, "station_alpha", StationProject("alpha"))
}

func TestProjectNames_CoverAllUtilityStations(t *testing.T) {
	for _, id := range []string{Incoming, Outgoing, Interop} {
		name, ok := ProjectNames[id]
		assert.True(t, ok, "missing project name for %q", id)
		assert.NotEmpty(t, name)
	}
}
