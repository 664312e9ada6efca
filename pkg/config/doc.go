// Package config loads run definitions: CUE files that declare the run
// settings, inline attributes and resources, plus Starlark recipes that
// declare further resources from the node's attributes.
//
// # Overview
//
// A run definition is evaluated in three steps:
//
//  1. CUEParser parses the CUE sources into a ParsedConfig. Each resource is
//     checked against the structural #Resource schema and, when one is
//     registered for its type, against the property schema of that type.
//  2. ParsedConfig.LoadAttributes merges the inline attributes and the
//     attribute files into an attributes.Store.
//  3. RecipeEvaluator runs the recipes against a snapshot of the store and
//     returns the resources they declared.
//
// The resulting ResourceConfig values convert into engine declarations with
// Declaration.
//
// # Definition Format
//
//	package blockstorage
//
//	run: {
//	    name: "block-storage"
//	    attribute_files: [{path: "attributes.yaml"}]
//	    templates: "templates"
//	    recipes: ["recipes/volume.star"]
//	}
//
//	attributes: default: db: service_type: "postgresql"
//
//	resources: {
//	    package: "cinder-common": actions: ["upgrade"]
//	    service: "cinder-volume": actions: ["enable", "start"]
//	}
//
// Resources may also be written as a list of structs carrying type and name.
//
// # Recipes
//
// Recipes receive node (the attribute tree as nested dicts), attr(path,
// default) and the resource builtins package, service, file, directory,
// template and execute. Each builtin returns the "type[name]" identity of the
// resource it declared, for use in notifies, subscribes and depends_on.
// Execution is bounded by a timeout and by the caller's context.
package config
