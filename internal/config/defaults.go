package config

// DefaultConfigYAML contains the default configuration YAML content.
// It is written by `labflow init` and mirrors the loader defaults.
const DefaultConfigYAML = `# labflow configuration
#
# Values not specified here use the built-in defaults. Every key can be
# overridden with an environment variable, e.g. LABFLOW_LOG_LEVEL=debug.

log:
  level: info
  # auto | text | json
  format: auto

server:
  host: 0.0.0.0
  port: 8080
  allowed_origins: ["*"]
  shutdown_timeout: 15s
  ping_interval: 30s

# Atom and card services (three-call dispatch).
atoms:
  base_url: http://localhost:8001
  timeout: 120s

# OpenAI compatible chat completions endpoint used for planning and evaluation.
# When disabled the heuristic planner and evaluator are used.
llm:
  enabled: false
  base_url: http://localhost:11434/v1
  model: qwen2.5:14b
  temperature: 0.1
  max_tokens: 2048
  timeout: 90s

react:
  max_retries_per_step: 2

# Budgets for calls that must return structured JSON.
retry:
  planning:
    attempts: 3
    delay: 1s
    timeout: 60s
  evaluation:
    attempts: 2
    delay: 500ms
    timeout: 30s
  dispatch:
    attempts: 2
    delay: 1s
    timeout: 120s

# Fallback scope for sequences that have not recorded one.
context:
  client: ""
  app: ""
  project: ""

state:
  # sqlite | json | memory
  # For json, path names a directory holding one file per sequence.
  backend: sqlite
  path: .labflow/state.db

aliases:
  # memory | redis
  backend: memory
  redis_url: ""
  key_prefix: "labflow:aliases:"
  ttl: 24h

contexts:
  # memory | postgres
  backend: memory
  dsn: ""

files:
  # none | s3
  backend: none
  bucket: ""
  region: us-east-1
  endpoint: ""
  use_path_style: false
  concurrency: 8

# Laboratory memory audit documents (MongoDB).
memory:
  enabled: false
  uri: ""
  database: labflow
  collection: laboratory_memory

metrics:
  enabled: true
  path: /metrics

# Outbound call pacing per collaborator. A 429 halves the rate until calls
# succeed again.
limits:
  llm:
    rate_per_second: 2
    burst: 5
  atoms:
    rate_per_second: 10
    burst: 20
`
