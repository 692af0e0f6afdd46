package fmi

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ModelDescriptionFile is the entry every FMU archive carries at its root.
const ModelDescriptionFile = "modelDescription.xml"

// ErrNoModelDescription is returned when an FMU has no modelDescription.xml.
var ErrNoModelDescription = errors.New("fmu has no " + ModelDescriptionFile)

// ModelDescription is the subset of modelDescription.xml the runner uses.
// GUID holds the FMI 2 guid or the FMI 3 instantiationToken.
type ModelDescription struct {
	FMIVersion string
	ModelName  string
	GUID       string
	Variables  []Variable
}

type Variable struct {
	Name      string
	Causality string
}

type xmlModelDescription struct {
	FMIVersion         string `xml:"fmiVersion,attr"`
	ModelName          string `xml:"modelName,attr"`
	GUID               string `xml:"guid,attr"`
	InstantiationToken string `xml:"instantiationToken,attr"`
	ModelVariables     struct {
		// FMI 2 uses ScalarVariable; FMI 3 uses typed elements (Float64, Int32, ...).
		Variables []struct {
			Name      string `xml:"name,attr"`
			Causality string `xml:"causality,attr"`
		} `xml:",any"`
	} `xml:"ModelVariables"`
}

// ReadModelDescription opens the FMU zip at path and parses its model
// description.
func ReadModelDescription(path string) (ModelDescription, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return ModelDescription{}, fmt.Errorf("open fmu: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != ModelDescriptionFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ModelDescription{}, fmt.Errorf("open %s: %w", ModelDescriptionFile, err)
		}
		defer rc.Close()
		return ParseModelDescription(rc)
	}
	return ModelDescription{}, ErrNoModelDescription
}

// ParseModelDescription decodes a modelDescription.xml document.
func ParseModelDescription(r io.Reader) (ModelDescription, error) {
	var raw xmlModelDescription
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return ModelDescription{}, fmt.Errorf("parse %s: %w", ModelDescriptionFile, err)
	}
	if raw.FMIVersion == "" {
		return ModelDescription{}, fmt.Errorf("parse %s: missing fmiVersion", ModelDescriptionFile)
	}

	md := ModelDescription{
		FMIVersion: raw.FMIVersion,
		ModelName:  raw.ModelName,
		GUID:       raw.GUID,
	}
	if md.GUID == "" {
		md.GUID = raw.InstantiationToken
	}
	for _, v := range raw.ModelVariables.Variables {
		if v.Name == "" {
			continue
		}
		md.Variables = append(md.Variables, Variable{Name: v.Name, Causality: v.Causality})
	}
	return md, nil
}

// Outputs returns the names of variables with causality "output", in
// declaration order.
func (md ModelDescription) Outputs() []string {
	var names []string
	for _, v := range md.Variables {
		if strings.EqualFold(v.Causality, "output") {
			names = append(names, v.Name)
		}
	}
	return names
}
