package protocol

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Frame schemas, one per message type. Handshake frames allow extra fields so
// newer peers can add optional data; CMD and HASH are closed.
var schemaSources = map[string]string{
	TypeHello: `{
	  "type": "object",
	  "required": ["type", "protocol_version"],
	  "properties": {
	    "type": {"const": "HELLO"},
	    "protocol_version": {"type": "string", "minLength": 1, "maxLength": 32},
	    "player_name": {"type": "string", "maxLength": 64}
	  }
	}`,
	TypeWelcome: `{
	  "type": "object",
	  "required": ["type", "protocol_version", "match_id", "player_id", "seats"],
	  "properties": {
	    "type": {"const": "WELCOME"},
	    "protocol_version": {"type": "string", "minLength": 1},
	    "match_id": {"type": "string", "minLength": 1},
	    "player_id": {"type": "integer", "minimum": 1},
	    "seats": {"type": "integer", "minimum": 1}
	  }
	}`,
	TypeReject: `{
	  "type": "object",
	  "required": ["type", "code"],
	  "properties": {
	    "type": {"const": "REJECT"},
	    "protocol_version": {"type": "string"},
	    "code": {"type": "string", "pattern": "^E_[A-Z_]+$"},
	    "message": {"type": "string"}
	  }
	}`,
	TypeStart: `{
	  "type": "object",
	  "required": ["type", "protocol_version", "match_id", "players", "params"],
	  "properties": {
	    "type": {"const": "START"},
	    "protocol_version": {"type": "string", "minLength": 1},
	    "match_id": {"type": "string", "minLength": 1},
	    "players": {
	      "type": "array",
	      "minItems": 1,
	      "items": {
	        "type": "object",
	        "required": ["id"],
	        "properties": {
	          "id": {"type": "integer", "minimum": 1},
	          "name": {"type": "string"}
	        }
	      }
	    },
	    "params": {
	      "type": "object",
	      "required": ["first_tick_id", "ticks_per_second", "execution_delay", "hash_delay", "hash_eval_distance"],
	      "properties": {
	        "first_tick_id": {"type": "integer", "minimum": 0},
	        "ticks_per_second": {"type": "number", "exclusiveMinimum": 0},
	        "execution_delay": {"type": "integer", "minimum": 1},
	        "hash_delay": {"type": "integer", "minimum": 0},
	        "hash_eval_distance": {"type": "integer", "minimum": 1},
	        "freeze_protection": {"type": "boolean"},
	        "stall_timeout_ms": {"type": "integer", "minimum": 0},
	        "seed": {"type": "integer"}
	      }
	    }
	  }
	}`,
	TypeCommand: `{
	  "type": "object",
	  "required": ["type", "target_tick", "player_id", "commands"],
	  "additionalProperties": false,
	  "properties": {
	    "type": {"const": "CMD"},
	    "target_tick": {"type": "integer", "minimum": 0},
	    "player_id": {"type": "integer", "minimum": 1},
	    "commands": {
	      "type": "array",
	      "maxItems": 256,
	      "items": {
	        "type": "object",
	        "required": ["name", "args"],
	        "additionalProperties": false,
	        "properties": {
	          "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]{0,63}$"},
	          "args": {"type": "object"}
	        }
	      }
	    }
	  }
	}`,
	TypeHash: `{
	  "type": "object",
	  "required": ["type", "target_tick", "player_id", "hash"],
	  "additionalProperties": false,
	  "properties": {
	    "type": {"const": "HASH"},
	    "target_tick": {"type": "integer", "minimum": 0},
	    "player_id": {"type": "integer", "minimum": 1},
	    "hash": {"type": "string", "pattern": "^[0-9a-f]{8,128}$"}
	  }
	}`,
	TypePlayerLeft: `{
	  "type": "object",
	  "required": ["type", "player_id"],
	  "properties": {
	    "type": {"const": "PLAYER_LEFT"},
	    "player_id": {"type": "integer", "minimum": 1},
	    "reason": {"type": "string"}
	  }
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		out := make(map[string]*jsonschema.Schema, len(schemaSources))
		for typ, src := range schemaSources {
			url := "https://ticksync.io/schemas/" + strings.ToLower(typ) + ".schema.json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemasErr = err
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = err
				return
			}
			out[typ] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}
