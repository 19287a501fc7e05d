package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard asks for the minimum settings needed to start a session
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== Ally Configuration ===")
	fmt.Fprintln(w.out)

	for {
		name, err := w.ask(fmt.Sprintf("Inference provider (%s)", strings.Join(Providers, ", ")), cfg.Provider.Name)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Provider.Name = name
		break
	}

	if RequiresAPIKey(cfg.Provider.Name) {
		for {
			hint := ""
			if env, ok := APIKeyEnv[cfg.Provider.Name]; ok {
				hint = fmt.Sprintf(" (leave empty to use $%s)", env)
			}
			key, err := w.ask("API key"+hint, "")
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, cfg.Provider.Name); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Provider.APIKey = key
			break
		}
	}

	for {
		model, err := w.ask("Model", cfg.Models.Default)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateModel(model); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Models.Default = model
		break
	}

	for {
		raw, err := w.ask("Temperature", strconv.FormatFloat(cfg.Models.Temperature, 'f', -1, 64))
		if err != nil {
			return nil, err
		}
		temp, perr := strconv.ParseFloat(raw, 64)
		if perr == nil {
			perr = validator.ValidateTemperature(temp)
		}
		if perr != nil {
			fmt.Fprintf(w.out, "Error: %v\n", perr)
			continue
		}
		cfg.Models.Temperature = temp
		break
	}

	enable, err := w.ask("Enable document retrieval at startup? (y/n)", yesNo(cfg.Retrieval.Enabled))
	if err != nil {
		return nil, err
	}
	cfg.Retrieval.Enabled = strings.HasPrefix(strings.ToLower(enable), "y")

	return &cfg, nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
