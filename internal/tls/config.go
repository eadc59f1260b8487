package tls

// Config enables HTTPS on the status endpoint. Either CertFile and KeyFile or Dir must be
// set; with AutoGenerate a self-signed pair is written to Dir when none exists yet.
type Config struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
}

// Validate reports a configuration Setup cannot use.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errCertPair
	}
	if c.CertFile == "" && c.Dir == "" {
		return errNoCert
	}
	if _, ok := parseTLSVersion(c.MinVersion); !ok && c.MinVersion != "" && c.MinVersion != "default" {
		return errVersion
	}
	return nil
}
