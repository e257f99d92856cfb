// Package pack turns generated vertex data into drawable handles.
//
// A worker records spans of one format each into a PackingList while it
// generates geometry into a word buffer, then calls Packer.Pack once. Pack
// claims space for every span in the order the spans were added, copies the
// words in and returns one DrawHandle per granted region in a HandleList.
package pack
