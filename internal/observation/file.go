package observation

import (
	"fmt"
	"os"

	"ramsis/internal/domain"
)

// ReadSeismicFile loads a GeoJSON collection or JSON event array.
func ReadSeismicFile(path string) ([]domain.SeismicEvent, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	events, err := DecodeSeismic(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// ReadHydraulicFile loads a HYDWS document or JSON sample array. Injection
// plans use the same format.
func ReadHydraulicFile(path string) ([]domain.HydraulicSample, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	samples, err := DecodeHydraulic(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}
