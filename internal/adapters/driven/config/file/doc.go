// Package file loads the process configuration from a TOML file.
//
// Environment references of the form ${NAME} or ${NAME:-default} are expanded
// before decoding, so secrets stay out of the file. Unknown keys are
// rejected. Struct tags are checked with validator; rules spanning several
// sections (unique stream ids, auth references, backend sections) are
// checked afterwards. Adapter kinds are checked separately by Validate,
// against the kinds registered in the adapter factory.
package file
