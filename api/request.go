/*
Copyright 2025 The AddLidar Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// dataRoot is the in-container mount every requested file must live
// under. Paths outside it are rejected before any job is built.
const dataRoot = "/data"

var validFormats = map[string]bool{
	"pcd-ascii": true,
	"lasv14":    true,
	"pcd-bin":   true,
	"lasv13":    true,
	"lasv12":    true,
}

// ValidationError describes a request that violates a field
// constraint. It maps to a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PointCloudRequest is the body of POST /start-job. Numeric fields are
// pointers so "absent" and "zero" stay distinguishable.
type PointCloudRequest struct {
	FilePath            string    `json:"file_path"`
	RemoveAttribute     []string  `json:"remove_attribute,omitempty"`
	RemoveAllAttributes bool      `json:"remove_all_attributes,omitempty"`
	RemoveColor         bool      `json:"remove_color,omitempty"`
	Format              string    `json:"format,omitempty"`
	Line                *int      `json:"line,omitempty"`
	Returns             *int      `json:"returns,omitempty"`
	Number              *int      `json:"number,omitempty"`
	Density             *float64  `json:"density,omitempty"`
	ROI                 []float64 `json:"roi,omitempty"`
	OutCRS              string    `json:"outcrs,omitempty"`
	InCRS               string    `json:"incrs,omitempty"`
}

// Validate checks every field constraint and normalises file_path to
// live under /data. It mutates only FilePath, and only on success.
func (r *PointCloudRequest) Validate() error {
	normalised, err := normalizeDataPath(r.FilePath)
	if err != nil {
		return err
	}
	if r.Format != "" && !validFormats[r.Format] {
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", r.Format)}
	}
	if r.Line != nil && *r.Line < 0 {
		return &ValidationError{Field: "line", Reason: "must be >= 0"}
	}
	if r.Returns != nil && *r.Returns < -1 {
		return &ValidationError{Field: "returns", Reason: "must be >= -1"}
	}
	if r.Number != nil && *r.Number < -1 {
		return &ValidationError{Field: "number", Reason: "must be >= -1"}
	}
	if r.Density != nil && *r.Density <= 0 {
		return &ValidationError{Field: "density", Reason: "must be > 0"}
	}
	if r.ROI != nil && len(r.ROI) != 9 {
		return &ValidationError{Field: "roi", Reason: fmt.Sprintf("needs exactly 9 values, got %d", len(r.ROI))}
	}
	if r.OutCRS != "" && !strings.HasPrefix(r.OutCRS, "EPSG:") {
		return &ValidationError{Field: "outcrs", Reason: "must start with EPSG:"}
	}
	if r.InCRS != "" && !strings.HasPrefix(r.InCRS, "EPSG:") {
		return &ValidationError{Field: "incrs", Reason: "must start with EPSG:"}
	}
	r.FilePath = normalised
	return nil
}

// normalizeDataPath resolves the request path and verifies it stays
// under /data. Relative paths are interpreted relative to /data.
func normalizeDataPath(p string) (string, error) {
	if p == "" {
		return "", &ValidationError{Field: "file_path", Reason: "required"}
	}
	if !path.IsAbs(p) {
		p = path.Join(dataRoot, p)
	}
	cleaned := path.Clean(p)
	if cleaned != dataRoot && !strings.HasPrefix(cleaned, dataRoot+"/") {
		return "", &ValidationError{Field: "file_path", Reason: fmt.Sprintf("%s is outside %s", p, dataRoot)}
	}
	return cleaned, nil
}

// CLIArgs renders the processor argument vector. Emission order is
// fixed: positional path first, then attribute flags, then the short
// options, so identical requests always produce identical vectors.
// Call Validate first.
func (r *PointCloudRequest) CLIArgs() []string {
	args := []string{r.FilePath}
	for _, attr := range r.RemoveAttribute {
		args = append(args, "--remove_attribute", attr)
	}
	if r.RemoveAllAttributes {
		args = append(args, "--remove_all_attributes")
	}
	if r.RemoveColor {
		args = append(args, "--remove_color")
	}
	if r.Format != "" {
		args = append(args, "-f="+r.Format)
	}
	if r.Line != nil {
		args = append(args, "-l="+strconv.Itoa(*r.Line))
	}
	if r.Returns != nil {
		args = append(args, "-r="+strconv.Itoa(*r.Returns))
	}
	if r.Number != nil {
		args = append(args, "-n="+strconv.Itoa(*r.Number))
	}
	if r.Density != nil {
		args = append(args, "-d="+strconv.FormatFloat(*r.Density, 'g', -1, 64))
	}
	if r.ROI != nil {
		parts := make([]string, len(r.ROI))
		for i, v := range r.ROI {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		args = append(args, "--roi="+strings.Join(parts, ","))
	}
	if r.OutCRS != "" {
		args = append(args, "--outcrs="+r.OutCRS)
	}
	if r.InCRS != "" {
		args = append(args, "--incrs="+r.InCRS)
	}
	return args
}

// formatFromArgs recovers the requested output format from a stored
// argument vector.
func formatFromArgs(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "-f=") {
			return strings.TrimPrefix(a, "-f=")
		}
	}
	return ""
}

// contentTypeFor maps an output format to the download extension and
// media type.
func contentTypeFor(format string) (ext, mediaType string) {
	switch format {
	case "pcd-ascii":
		return ".pcd", "text/plain"
	case "pcd-bin", "pcd-binary":
		return ".pcd", "application/octet-stream"
	case "lasv12", "lasv13", "lasv14", "las":
		return ".las", "application/octet-stream"
	case "laz":
		return ".laz", "application/octet-stream"
	case "ply", "ply-binary":
		return ".ply", "application/octet-stream"
	case "ply-ascii":
		return ".ply", "text/plain"
	case "xyz":
		return ".xyz", "text/plain"
	case "txt":
		return ".txt", "text/plain"
	case "csv":
		return ".csv", "text/csv"
	default:
		return ".bin", "application/octet-stream"
	}
}
