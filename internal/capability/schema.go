package capability

// profilesSchemaJSON guards the shape of the profiles file. Value-level
// checks (capability names, consensus levels, asset classes) happen during
// normalization where the error messages can name the offending profile.
const profilesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agents"],
  "additionalProperties": false,
  "properties": {
    "agents": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["role", "capabilities"],
        "additionalProperties": false,
        "properties": {
          "role": {"type": "string", "minLength": 1},
          "capabilities": {"type": "array", "items": {"type": "string"}},
          "platforms": {"type": "array", "items": {"type": "string"}},
          "asset_classes": {"type": "array", "items": {"type": "string"}},
          "constraints": {
            "type": ["object", "null"],
            "additionalProperties": false,
            "properties": {
              "max_order_pct": {"type": "number", "minimum": 0},
              "max_order_value_usd": {"type": "number", "minimum": 0},
              "allowed_order_types": {"type": "array", "items": {"type": "string"}},
              "max_daily_trades": {"type": "integer", "minimum": 0},
              "max_daily_volume_usd": {"type": "number", "minimum": 0},
              "max_positions": {"type": "integer", "minimum": 0},
              "max_exposure_pct": {"type": "number", "minimum": 0},
              "max_asset_class_exposure_pct": {
                "type": "object",
                "additionalProperties": {"type": "number", "minimum": 0}
              },
              "min_consensus": {"type": "string"},
              "max_daily_loss_pct": {"type": "number", "minimum": 0},
              "max_drawdown_pct": {"type": "number", "minimum": 0},
              "mandate_ttl_seconds": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`
