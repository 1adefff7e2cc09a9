// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
)

// Schema returns the JSON schema of the configuration file surface, as
// emitted by the dumpconfigschema command.
func Schema() ([]byte, error) {
	duration := map[string]any{
		"type":    "string",
		"pattern": `^[0-9]+(ns|us|µs|ms|s|m|h)$`,
	}
	transportKind := map[string]any{
		"type": "string",
		"enum": []string{string(TransportRedis), string(TransportMemory)},
	}
	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft-07/schema#",
		"title":                "Lightbus worker configuration",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"service":   map[string]any{"type": "string"},
			"log_level": map[string]any{"type": "string", "enum": []string{"trace", "debug", "info", "warn", "error"}},
			"http_addr": map[string]any{"type": "string"},
			"redis": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"url":       map[string]any{"type": "string"},
					"addr":      map[string]any{"type": "string"},
					"password":  map[string]any{"type": "string"},
					"db":        map[string]any{"type": "integer", "minimum": 0},
					"pool_size": map[string]any{"type": "integer", "minimum": 1},
				},
			},
			"bus": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"concurrency":               map[string]any{"type": "integer", "minimum": 1},
					"acknowledgement_timeout":   duration,
					"reclaim_interval":          duration,
					"max_redeliveries":          map[string]any{"type": "integer", "minimum": 0},
					"graceful_shutdown_timeout": duration,
					"schema_ttl":                duration,
					"event_stream_maxlen":       map[string]any{"type": "integer", "minimum": 0},
				},
			},
			"apis": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"rpc_timeout":        duration,
						"event_fire_timeout": duration,
						"validate": map[string]any{
							"type": "string",
							"enum": []string{"off", "incoming", "outgoing", "both"},
						},
						"cast_values": map[string]any{"type": "boolean"},
					},
				},
			},
			"transports": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"rpc":    transportKind,
					"result": transportKind,
					"event":  transportKind,
					"schema": transportKind,
				},
			},
			"telemetry": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"enabled":       map[string]any{"type": "boolean"},
					"service_name":  map[string]any{"type": "string"},
					"exporter":      map[string]any{"type": "string", "enum": []string{"grpc", "http", "noop"}},
					"endpoint":      map[string]any{"type": "string"},
					"sampling_rate": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
			},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}
