package observation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ramsis/internal/domain"
)

// geoJSON is the FDSN event service GeoJSON flavour: time as epoch
// milliseconds or an ISO-8601 string, coordinates as [lon, lat, depth_km].
type geoJSON struct {
	Type     string `json:"type"`
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			Time     json.RawMessage `json:"time"`
			Mag      *float64        `json:"mag"`
			PublicID string          `json:"publicID"`
		} `json:"properties"`
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

// DecodeGeoJSON parses an FDSN GeoJSON feature collection. Features
// without a magnitude are skipped.
func DecodeGeoJSON(b []byte) ([]domain.SeismicEvent, error) {
	var fc geoJSON
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	if !strings.EqualFold(fc.Type, "FeatureCollection") {
		return nil, fmt.Errorf("decode geojson: type %q is not a FeatureCollection", fc.Type)
	}
	out := make([]domain.SeismicEvent, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Properties.Mag == nil {
			continue
		}
		t, err := parseFlexibleTime(f.Properties.Time)
		if err != nil {
			return nil, fmt.Errorf("decode geojson: feature %d: %w", i, err)
		}
		e := domain.SeismicEvent{DateTime: t, Magnitude: *f.Properties.Mag, PublicID: f.Properties.PublicID}
		if e.PublicID == "" {
			e.PublicID = f.ID
		}
		if c := f.Geometry.Coordinates; len(c) >= 2 {
			e.Longitude, e.Latitude = c[0], c[1]
			if len(c) >= 3 {
				e.Depth = c[2]
			}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

func parseFlexibleTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	var msec float64
	if err := json.Unmarshal(raw, &msec); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(msec)).UTC(), nil
}

type hydwsValue struct {
	Value *float64 `json:"value"`
}

// hydws is a HYDWS borehole document at hydraulic level.
type hydws struct {
	Sections []struct {
		Hydraulics []struct {
			DateTime struct {
				Value string `json:"value"`
			} `json:"datetime"`
			TopFlow        hydwsValue `json:"topflow"`
			TopPressure    hydwsValue `json:"toppressure"`
			BottomFlow     hydwsValue `json:"bottomflow"`
			BottomPressure hydwsValue `json:"bottompressure"`
		} `json:"hydraulics"`
	} `json:"sections"`
}

// DecodeHYDWS flattens the hydraulics of every section into one series.
// Top measurements win over bottom ones.
func DecodeHYDWS(b []byte) ([]domain.HydraulicSample, error) {
	var doc hydws
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode hydws: %w", err)
	}
	var out []domain.HydraulicSample
	for _, sec := range doc.Sections {
		for i, h := range sec.Hydraulics {
			t, err := parseFlexibleTime(json.RawMessage(fmt.Sprintf("%q", h.DateTime.Value)))
			if err != nil {
				return nil, fmt.Errorf("decode hydws: sample %d: %w", i, err)
			}
			out = append(out, domain.HydraulicSample{
				DateTime: t,
				Flow:     first(h.TopFlow, h.BottomFlow),
				Pressure: first(h.TopPressure, h.BottomPressure),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

func first(vs ...hydwsValue) float64 {
	for _, v := range vs {
		if v.Value != nil {
			return *v.Value
		}
	}
	return 0
}

// DecodeSeismic accepts an FDSN GeoJSON collection or a plain JSON array
// of events.
func DecodeSeismic(b []byte) ([]domain.SeismicEvent, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []domain.SeismicEvent
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode seismic: %w", err)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
		return out, nil
	}
	return DecodeGeoJSON(trimmed)
}

// DecodeHydraulic accepts a HYDWS document or a plain JSON array of
// samples.
func DecodeHydraulic(b []byte) ([]domain.HydraulicSample, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []domain.HydraulicSample
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode hydraulic: %w", err)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
		return out, nil
	}
	return DecodeHYDWS(trimmed)
}
