package gateway

import "fmt"

// extractionInstruction is appended as the final user turn of every
// extraction call. It pins the response to a single-key JSON object and
// explicitly allows {} so "nothing new found" stays distinguishable from a
// malformed reply.
const extractionInstruction = `Based on the provided context and the preceding conversation, identify and describe ONE potential metamorphic relation. A metamorphic relation is a property of the software's inputs and outputs that can be used for testing. Respond ONLY with a valid JSON object. This object must have a single key 'description' containing the metamorphic relation. If no new relation can be found based on the last message, return an empty JSON object {}.
Example Response: ` + "`" + `{"description": "Shuffling the order of items in an input list for a sorting function should not change the sorted output list."}` + "`"

func generationSystemPrompt(language string) string {
	return fmt.Sprintf("You are a helpful assistant that generates %s test code based on provided metamorphic relations.", language)
}

func generationPrompt(description, language string) string {
	return fmt.Sprintf("Metamorphic Relation: `%s`\n\n"+
		"Task: Generate a simple %s test driver function to verify this relation. The driver should not require any external libraries.\n"+
		"Respond ONLY with a single valid JSON object with one key: 'driver' (containing the %s code as a string).\n"+
		"Example Response: `{\"driver\": \"def test_mr_shuffle():\\n  # code here\\n  print('Test logic executed.')\"}`",
		description, language, language)
}
