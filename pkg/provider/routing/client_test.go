//nolint:funlen // ok for tests
package routing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
)

func readTestdata(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/calculate_route.json")
	require.NoError(t, err)
	return data
}

func TestParseResponse(t *testing.T) {
	got, err := ParseResponse(readTestdata(t))
	require.NoError(t, err)
	require.Len(t, got, 2)

	want := model.RouteCandidate{
		Summary: model.RouteSummary{LengthMeters: 1530, TravelTimeSeconds: 240},
		Points: []model.Coordinate{
			{Latitude: 40.7580, Longitude: -73.9855},
			{Latitude: 40.7590, Longitude: -73.9850},
			{Latitude: 40.7600, Longitude: -73.9845},
			{Latitude: 40.7610, Longitude: -73.9840},
		},
		Guidance: []model.GuidanceInstruction{
			{
				RouteOffsetMeters: 0, PointIndex: 0, InstructionType: "LOCATION_DEPARTURE",
				Street: "7th Ave", Message: "Leave from 7th Ave",
			},
			{
				RouteOffsetMeters: 800, PointIndex: 2, InstructionType: "TURN",
				Street: "W 47th St", Message: "Turn right onto W 47th St",
			},
			{
				RouteOffsetMeters: 1530, PointIndex: 3, InstructionType: "LOCATION_ARRIVAL",
				Message: "You have arrived",
			},
		},
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("ParseResponse() mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, got[1].Guidance)
	assert.Equal(t, []string{model.TagZoneFree}, got[1].Tags)
}

func TestParseResponseInvalid(t *testing.T) {
	_, err := ParseResponse([]byte("{not json"))
	assert.Error(t, err)

	got, err := ParseResponse([]byte(`{"error":"nothing"}`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchRoutesGet(t *testing.T) {
	data := readTestdata(t)
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	c := New("secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	got, err := c.FetchRoutes(context.Background(), Request{
		Origin:        model.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination:   model.Coordinate{Latitude: 40.761, Longitude: -73.984},
		AvoidTolls:    true,
		AvoidHighways: true,
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NotNil(t, gotReq)
	assert.Equal(t, http.MethodGet, gotReq.Method)
	assert.Equal(t,
		"/routing/1/calculateRoute/40.758000,-73.985500:40.761000,-73.984000/json",
		gotReq.URL.Path)
	q := gotReq.URL.Query()
	assert.Equal(t, "secret", q.Get("key"))
	assert.Equal(t, "2", q.Get("maxAlternatives"))
	assert.ElementsMatch(t, []string{"tollRoads", "motorways"}, q["avoid"])
}

func TestFetchRoutesPostAvoidAreas(t *testing.T) {
	var body postBody
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		_, _ = w.Write([]byte(`{"routes":[]}`))
	}))
	defer srv.Close()

	c := New("secret", WithBaseURL(srv.URL))
	_, err := c.FetchRoutes(context.Background(), Request{
		AvoidAreas: []geo.Bounds{{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	require.Len(t, body.AvoidAreas.Rectangles, 1)
	r := body.AvoidAreas.Rectangles[0]
	assert.Equal(t, latLon{Latitude: 1, Longitude: 2}, r.SouthWestCorner)
	assert.Equal(t, latLon{Latitude: 3, Longitude: 4}, r.NorthEastCorner)
}

func TestFetchRoutesErrors(t *testing.T) {
	_, err := New("").FetchRoutes(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMissingCredentials)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	_, err = New("secret", WithBaseURL(srv.URL)).FetchRoutes(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestKeyDigest(t *testing.T) {
	assert.Empty(t, New("").KeyDigest())
	d := New("secret").KeyDigest()
	assert.Len(t, d, 12)
	assert.NotContains(t, d, "secret")
}
