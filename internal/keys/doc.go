// Package keys implements the record id scheme and the stable field-key
// encoding shared by the planner, the normalizer, and the connection
// manager.
//
// Id forms:
//
//	Entity:     Typename:Key            ("User:u1")
//	Root:       "@"
//	Strict page: @.{parent}.{fieldKey}  (parent segment omitted at root)
//	Canonical:  @connection.{parent}.{key}({filtersJSON})
//	Sub-record: {parent}.{responseKey}
//	Edge:       {pageID}.edges.{i}
//	PageInfo:   {pageID}.pageInfo
//
// Field keys are the field name alone when the field has no defined
// arguments, otherwise the name followed by the stable JSON of the
// argument object in declared order.
package keys
