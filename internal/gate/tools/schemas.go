package tools

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool arguments are validated against the family's schema before any typed
// decoding happens, so handlers only ever see well-shaped input.

const queueSchema = `{
	"type": "object",
	"properties": {
		"action": {"enum": ["list", "status", "withdraw", "warn", "get_warnings"]},
		"id": {"type": "string"},
		"service": {"type": "string"},
		"account": {"type": "string"},
		"reason": {"type": "string"},
		"message": {"type": "string"}
	},
	"required": ["action"],
	"allOf": [
		{"if": {"properties": {"action": {"enum": ["status", "withdraw", "warn", "get_warnings"]}}},
		 "then": {"required": ["id"]}},
		{"if": {"properties": {"action": {"const": "warn"}}},
		 "then": {"required": ["message"]}}
	]
}`

const messagesSchema = `{
	"type": "object",
	"properties": {
		"action": {"enum": ["send", "get", "mark_read", "list_agents", "status",
			"broadcast", "list_broadcasts", "get_broadcast"]},
		"to": {"type": "string"},
		"body": {"type": "string"},
		"id": {"type": "integer"},
		"unread_only": {"type": "boolean"},
		"limit": {"type": "integer", "minimum": 1}
	},
	"required": ["action"],
	"allOf": [
		{"if": {"properties": {"action": {"const": "send"}}},
		 "then": {"required": ["to", "body"]}},
		{"if": {"properties": {"action": {"const": "broadcast"}}},
		 "then": {"required": ["body"]}},
		{"if": {"properties": {"action": {"enum": ["mark_read", "get_broadcast"]}}},
		 "then": {"required": ["id"]}}
	]
}`

const mementosSchema = `{
	"type": "object",
	"properties": {
		"action": {"enum": ["save", "search", "keywords", "recent", "get_by_ids"]},
		"content": {"type": "string"},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"model": {"type": "string"},
		"role": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1},
		"ids": {"type": "array", "items": {"type": "integer"}}
	},
	"required": ["action"],
	"allOf": [
		{"if": {"properties": {"action": {"const": "save"}}},
		 "then": {"required": ["content", "keywords"]}},
		{"if": {"properties": {"action": {"const": "search"}}},
		 "then": {"required": ["keywords"]}},
		{"if": {"properties": {"action": {"const": "get_by_ids"}}},
		 "then": {"required": ["ids"]}}
	]
}`

const servicesSchema = `{
	"type": "object",
	"properties": {
		"action": {"enum": ["whoami", "list", "list_detail"]}
	},
	"required": ["action"]
}`

// categoryReadSchema covers read-only categories.
const categoryReadSchema = `{
	"type": "object",
	"properties": {
		"action": {"const": "read"},
		"service": {"type": "string"},
		"account": {"type": "string"},
		"path": {"type": "string"},
		"query": {"type": "string"}
	},
	"required": ["action", "service", "account", "path"]
}`

// categoryReadWriteSchema covers categories whose services accept queue
// submissions.
const categoryReadWriteSchema = `{
	"type": "object",
	"properties": {
		"action": {"enum": ["read", "write"]},
		"service": {"type": "string"},
		"account": {"type": "string"},
		"path": {"type": "string"},
		"query": {"type": "string"},
		"requests": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"method": {"enum": ["POST", "PUT", "PATCH", "DELETE",
						"post", "put", "patch", "delete"]},
					"path": {"type": "string"},
					"body": {},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"binaryBase64": {"type": "boolean"}
				},
				"required": ["method", "path"]
			}
		},
		"comment": {"type": "string"}
	},
	"required": ["action", "service", "account"],
	"allOf": [
		{"if": {"properties": {"action": {"const": "read"}}},
		 "then": {"required": ["path"]}},
		{"if": {"properties": {"action": {"const": "write"}}},
		 "then": {"required": ["requests", "comment"]}}
	]
}`

func mustCompile(name, source string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentgate.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		panic(fmt.Sprintf("load schema %s: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}

var (
	compiledQueue     = mustCompile("queue", queueSchema)
	compiledMessages  = mustCompile("messages", messagesSchema)
	compiledMementos  = mustCompile("mementos", mementosSchema)
	compiledServices  = mustCompile("services", servicesSchema)
	compiledRead      = mustCompile("category-read", categoryReadSchema)
	compiledReadWrite = mustCompile("category-read-write", categoryReadWriteSchema)
)
