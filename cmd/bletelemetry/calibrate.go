package main

import (
	"fmt"
	"io"
	"log"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"bletelemetry/internal/config"
	"bletelemetry/internal/magcal"
	"bletelemetry/internal/replay"
)

type calibrationDoc struct {
	Orientation struct {
		MagCalibration config.MagCalibrationConfig `yaml:"mag_calibration"`
	} `yaml:"orientation"`
}

// runCalibrate fits a magnetometer calibration to the M records of a sensor
// log and writes it to w as an orientation.mag_calibration config block.
func runCalibrate(logPath string, w io.Writer) error {
	recs, err := replay.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	var samples []r3.Vec
	for _, r := range recs {
		if r.Kind == replay.Magnetometer {
			samples = append(samples, r.Vec.Vec())
		}
	}
	cal, err := magcal.Fit(samples)
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	log.Printf("calibrate: fitted %d magnetometer samples from %s", len(samples), logPath)

	var doc calibrationDoc
	doc.Orientation.MagCalibration = config.MagCalibrationConfig{
		Offset: []float64{cal.Offset.X, cal.Offset.Y, cal.Offset.Z},
		Matrix: append([]float64(nil), cal.Matrix[:]...),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("calibrate: encode: %w", err)
	}
	return enc.Close()
}
