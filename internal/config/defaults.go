package config

// DefaultConfigYAML is the default configuration, used both to seed a
// fresh project config file and to fill in any keys a user's config
// omits.
const DefaultConfigYAML = `# Forge configuration
# Values not specified here use the defaults below.

http:
  addr: ":8080"
  allowed_origins:
    - "http://localhost:5173"
  shutdown_timeout: "10s"

log:
  level: info
  format: json

storage:
  data_dir: "./data"

sandbox:
  base_dir: "./sandboxes"
  template_name: "react-vite"
  default_port: 3000

llm:
  provider: "anthropic"
  model: "claude-3-5-sonnet"
  api_key_env: "FORGE_LLM_API_KEY"
  temperature: 0.2

github:
  default_branch: "main"

rate_limit:
  global_limit: 600
  global_period: "1m"
  agent_limit: 60
  agent_period: "1m"

csrf:
  cookie_name: "csrf-token"
  header_name: "X-CSRF-Token"
  ttl: "2h"
`
