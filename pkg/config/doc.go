// Package config loads the YAML configuration of the keel daemons.
//
// A file is decoded on top of Default, so it only needs the keys it changes,
// and is then validated with struct tags:
//
//	worker_id: sched-1
//	database:
//	  path: /var/lib/keel/keel.db
//	roster:
//	  backend: redis
//	  redis_addr: localhost:6379
//	scheduler:
//	  poll_interval: 500ms
//	  concurrency: 16
//	telemetry:
//	  log_level: debug
//	  metrics_enabled: true
//	policy:
//	  paths: [/etc/keel/policies]
//
// Watch reloads the file when it changes. The daemons use it to adjust the
// log level without a restart.
package config
