package qa

// reformulatePrompt instructs the LLM to rewrite a follow-up question into a
// standalone one. It must never answer the question.
const reformulatePrompt = `Given a chat history and the latest user question which might reference context in the chat history, formulate a standalone question which can be understood without the chat history. Do NOT answer the question, just reformulate it if needed and otherwise return it as is.`

// answerPrompt instructs the LLM to answer strictly from the retrieved
// context. The retrieved chunks are appended after the instructions.
const answerPrompt = `You are a helpful assistant for question-answering tasks.
Use only the following pieces of retrieved context to answer the question.
Don't justify your answers.
Don't give information not mentioned in the CONTEXT INFORMATION.
If you don't know the answer, just say that you don't know.
Use five sentences maximum and keep the answer concise.

CONTEXT INFORMATION:
`

// FallbackAnswer is returned verbatim when retrieval finds no chunks for the
// question. The LLM is not called in that case.
const FallbackAnswer = "I am sorry, but I could not find any related documents to your question.\nPlease try again with a different question."
