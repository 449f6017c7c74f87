package xmetrics

type config struct {
	goCollector      bool
	processCollector bool
	constLabels      map[string]string
}

type Option func(*config)

// WithRuntimeCollectors registers the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(c *config) {
		c.goCollector = true
		c.processCollector = true
	}
}

func WithConstLabels(labels map[string]string) Option {
	return func(c *config) {
		if c.constLabels == nil {
			c.constLabels = make(map[string]string)
		}
		for k, v := range labels {
			c.constLabels[k] = v
		}
	}
}

func collectOptions(options ...Option) *config {
	conf := &config{}
	for _, opt := range options {
		opt(conf)
	}
	return conf
}
