package musicgen

import (
	"encoding/json"
	"fmt"
)

// LoadCorpus reads a JSON array of tunes.
func LoadCorpus(path string) ([]string, error) {
	data, err := readAll(path)
	if err != nil {
		return nil, err
	}
	var texts []string
	if err := json.Unmarshal(data, &texts); err != nil {
		return nil, fmt.Errorf("failed to parse corpus %s: %w", path, err)
	}
	return texts, nil
}

// LoadSplits reads the training and validation corpora.
func LoadSplits(trainPath, valPath string) (train, val []string, err error) {
	if train, err = LoadCorpus(trainPath); err != nil {
		return nil, nil, err
	}
	if val, err = LoadCorpus(valPath); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// Truncate keeps the first n texts. n <= 0 keeps all of them.
func Truncate(texts []string, n int) []string {
	if n <= 0 || n >= len(texts) {
		return texts
	}
	return texts[:n]
}
