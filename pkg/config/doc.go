// Package config loads and validates Surge deployment manifests and
// runtime settings.
//
// Manifests are YAML documents declaring the desired resources per
// stack. The parser decodes them with strict field checking, validates
// them with struct tags, and converts them into the engine's desired
// specifications:
//
//	version: 1
//	environment: production
//	stacks:
//	  - name: network
//	    resources:
//	      - id: vpc-main
//	        type: network
//	        properties:
//	          cidr: 10.0.0.0/16
//	  - name: app
//	    resources:
//	      - id: web-1
//	        type: server
//	        depends_on: [vpc-main]
//	        properties:
//	          size: small
//
// Settings cover the rest of the CLI's runtime configuration (state
// path, history database, concurrency, retry and breaker tuning) and
// load from an optional surge.yaml next to the manifest.
package config
