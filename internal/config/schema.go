package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// schemaSource constrains the encoded configuration. Field names follow the
// json tags. Durations encode as integer nanoseconds.
const schemaSource = `
#Tier: {
	quality:       int & >=0 & <=51
	scale:         number & >0 & <=1
	audio_bitrate: int & >=32000
	preset:        "ultrafast" | "superfast" | "veryfast" | "faster" | "fast" | "medium" | "slow" | "slower" | "veryslow"
}

#Config: {
	compression: {
		threshold_mb:      int & >0
		max_size_mb:       int & >threshold_mb
		primary_memory_mb: int & >0 & <=max_size_mb
		max_load_failures: int & >=1
		target_size_mb:    number & >=40 & <=45
		default_quality:   int & >=0 & <=51
		max_width:         int & >=16
		max_height:        int & >=16
		session_key:       string & !=""
		...
	}
	engine: {
		sources: null | [...{name: string & !="", base_url: string & !=""}]
		assets:  null | [...string]
		fetch_timeout:   int & >0
		init_timeout:    int & >0
		exec_timeout:    int & >0
		max_asset_bytes: int & >=0
		...
	}
	fallback: {
		frame_rate:     int & >0 & <=120
		flush_interval: int & >0
		end_grace:      int & >=0
		timeout_grace:  int & >0
		...
	}
	policy: {
		default:               #Tier
		moderate:              #Tier
		aggressive:            #Tier
		moderate_threshold:    int & >0
		aggressive_threshold:  int & >=moderate_threshold
		audio_allocation:      int & >=0
		reference_quality:     int & >=0 & <=51
		base_factor:           number & >0 & <=1
		halving_step:          number & >0
		min_resolution_factor: number & >0 & <=1
		reference_pixels:      int & >0
		short_clip:            int & >0
		long_clip:             int & >short_clip
		min_duration_factor:   number & >0 & <=1
	}
	database: {
		type: "sqlite" | "postgres"
		...
	}
	server: {
		port: int & >0 & <65536
		...
	}
	logging: {
		level:  "trace" | "debug" | "info" | "warn" | "error" | "off"
		format: "text" | "json"
	}
	...
}
`

// Validate checks the configuration against the embedded schema
func (c *Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("config.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("invalid config schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", cueerrors.Details(err, nil))
	}
	return nil
}
