package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// UnitsFile is the static unit registry seeded into the store at startup.
type UnitsFile struct {
	Units []model.Unit `yaml:"units"`
}

func MustLoadUnits(path string) *UnitsFile {
	units, err := LoadUnits(path)
	if err != nil {
		panic(err.Error())
	}
	return units
}

func LoadUnits(path string) (*UnitsFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &LoadError{Kind: "units file", Path: path, Err: err}
	}

	var f UnitsFile
	if err := cleanenv.ReadConfig(path, &f); err != nil {
		return nil, &LoadError{Kind: "units file", Path: path, Err: err}
	}

	return &f, nil
}
